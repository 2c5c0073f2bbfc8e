package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/always-cache/offline-cache/pkg/metrics"

	"go.uber.org/multierr"
)

// State is the lifecycle state of the engine.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	// Installed and waiting for activation.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

const MessageSkipWaiting = "SKIP_WAITING"

const (
	rootDocument  = "/index.html"
	precacheLimit = 4
)

var (
	ErrUnknownMessage    = errors.New("unknown message type")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

var (
	cssLinkRe  = regexp.MustCompile(`href="(/assets/[^"]*?\.css)"`)
	jsScriptRe = regexp.MustCompile(`src="(/assets/[^"]*?\.js)"`)
)

// Message is a command sent by the page.
type Message struct {
	Type string `json:"type" validate:"required"`
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) transition(from, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return fmt.Errorf("%w: %s to %s from %s", ErrInvalidTransition, from, to, e.state)
	}
	e.state = to
	e.log.Info().Str("state", string(to)).Msg("Lifecycle state changed")
	return nil
}

// Start installs the engine and activates it, unless it has to wait for a
// SKIP_WAITING message.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Install(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	wait := e.waitForSkipWaiting && !e.skipWaiting
	e.mu.Unlock()
	if wait {
		e.log.Info().Msg("Installed, waiting for SKIP_WAITING")
		return nil
	}
	// a SKIP_WAITING message may have activated the engine already
	if err := e.Activate(ctx); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return nil
}

// Install precaches the app shell and, if enabled, the assets linked from the
// root document. Resources that cannot be fetched are logged and skipped.
func (e *Engine) Install(ctx context.Context) error {
	if err := e.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	appShell := e.env.Partitions.AppShell
	if _, err := e.cache.Open(appShell.Name()); err != nil {
		e.log.Warn().Err(err).Msg("Could not open app shell partition")
	}
	e.logPrecacheErrors(e.env.Precache(ctx, appShell, precacheLimit, e.precache...))
	if e.discoverAssets {
		e.cacheAssets(ctx)
	}
	return e.transition(StateInstalling, StateInstalled)
}

// cacheAssets stores the stylesheets and scripts referenced by the root page,
// together with the critical resources, in the assets partition.
func (e *Engine) cacheAssets(ctx context.Context) {
	assets := e.env.Partitions.Assets
	if _, err := e.cache.Open(assets.Name()); err != nil {
		e.log.Warn().Err(err).Msg("Could not open assets partition")
	}
	links, err := e.discover(ctx, "/")
	if err != nil {
		e.log.Warn().Err(err).Msg("Could not discover assets")
	}
	all := append(links, e.criticalResources...)
	e.log.Debug().Strs("assets", all).Msg("Caching assets")
	e.logPrecacheErrors(e.env.Precache(ctx, assets, precacheLimit, all...))
}

// discover returns the asset paths linked from the page.
func (e *Engine) discover(ctx context.Context, page string) ([]string, error) {
	res, err := e.env.FetchPath(ctx, page)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	links := make([]string, 0)
	for _, re := range []*regexp.Regexp{cssLinkRe, jsScriptRe} {
		for _, m := range re.FindAllSubmatch(body, -1) {
			links = append(links, string(m[1]))
		}
	}
	return links, nil
}

func (e *Engine) logPrecacheErrors(err error) {
	for _, err := range multierr.Errors(err) {
		e.log.Warn().Err(err).Msg("Could not precache resource")
	}
}

// Activate starts intercepting requests, refreshes the root document and
// deletes the partitions of other versions.
func (e *Engine) Activate(ctx context.Context) error {
	if err := e.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	// claim: from here on requests go through the policies
	e.active.Store(true)

	if err := e.env.Precache(ctx, e.env.Partitions.AppShell, 1, rootDocument); err != nil {
		// expected when offline during activation
		e.log.Warn().Err(err).Msg("Could not refresh root document")
	}

	keep := []string{
		AppShellPartition(e.version),
		AssetsPartition(e.version),
		ImagesPartition(e.version),
	}
	deleted, err := e.cache.DeleteStalePartitions(keep, e.reservedPrefixes...)
	metrics.DeletedPartitions.Add(float64(len(deleted)))
	for _, name := range deleted {
		e.log.Info().Str("partition", name).Msg("Deleted stale partition")
	}
	if terr := e.transition(StateActivating, StateActivated); terr != nil {
		return terr
	}
	if err != nil {
		return fmt.Errorf("delete stale partitions: %w", err)
	}
	return nil
}

// HandleMessage handles a command from the page. SKIP_WAITING activates an
// installed engine right away, or as soon as installation finishes.
func (e *Engine) HandleMessage(ctx context.Context, msg Message) error {
	if msg.Type != MessageSkipWaiting {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	e.mu.Lock()
	e.skipWaiting = true
	state := e.state
	e.mu.Unlock()

	e.log.Info().Str("state", string(state)).Msg("Skip waiting")
	if state != StateInstalled {
		return nil
	}
	if err := e.Activate(ctx); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return nil
}
