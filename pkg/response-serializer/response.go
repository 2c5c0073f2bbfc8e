package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

type StoredResponse struct {
	Response *http.Response
	// The value of the clock when the response was written to the cache.
	StoredAt time.Time
}

// BytesToStoredResponse parses bytes produced by StoredResponseToBytes.
// The stored-at header is removed from the returned response.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if v := res.Header.Get(storedAtHeaderName); v != "" {
		storedAt, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return sRes, err
		}
		sRes.StoredAt = time.UnixMilli(storedAt)
	}
	sRes.Response.Header.Del(storedAtHeaderName)
	return sRes, nil
}

var delim = []byte("\r\n\r\n----\r\n\r\n")

// StoredResponseToBytes serializes the originating request and the response.
// The response body stays readable afterwards.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	req := sRes.Response.Request
	buf := &bytes.Buffer{}

	if req != nil {
		reqBuf := &bytes.Buffer{}
		if err := req.Write(reqBuf); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
		} else {
			buf.Write(reqBuf.Bytes())
		}
	} else {
		log.Warn().Msg("Request not set")
	}
	buf.Write(delim)

	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixMilli(), 10))
	bts, err := responseToBytes(sRes.Response)
	// remove the extra header just in case
	res.Header.Del(storedAtHeaderName)
	if err != nil {
		return nil, err
	}

	buf.Write(bts)

	return buf.Bytes(), nil
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, fmt.Errorf("stored response is missing the request delimiter")
	}
	var req *http.Request
	if len(reqBytes) > 0 {
		var err error
		req, err = http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			log.Warn().Err(err).Bytes("bytes", reqBytes).Msg("Could not read request from stored response")
		}
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	res.ContentLength = clonedRes.ContentLength
	res.TransferEncoding = clonedRes.TransferEncoding
	// return buffer bytes
	return bts, nil
}
