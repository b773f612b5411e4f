package swcache

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// bytesToResponse converts a stored byte slice back to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// responseToBytes converts a response to its HTTP/1.1 wire representation.
// Writing the response consumes the body, so the body is restored from the
// serialized bytes before returning.
func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	restored, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = restored.Body
	return bts, nil
}

// send writes a response to the client and closes the response body.
func send(w http.ResponseWriter, res *http.Response) error {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	_, err := io.Copy(w, res.Body)
	return err
}

// copyHeader copies the headers from one http.Header to another.
func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
