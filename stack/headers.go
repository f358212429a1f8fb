package stack

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
)

// Several endpoints report created resources through headers instead of a body.
// These helpers turn a missing or malformed header into a fatal *MissingHeaderError.

func headerString(op string, resp *http.Response, name string) (string, error) {
	value := strings.TrimSpace(resp.Header.Get(name))
	if value == "" {
		return "", &MissingHeaderError{Op: op, Header: name}
	}
	return value, nil
}

func headerInt64(op string, resp *http.Response, name string) (int64, error) {
	value, err := headerString(op, resp, name)
	if err != nil {
		return 0, err
	}

	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, &MissingHeaderError{Op: op, Header: name}
	}
	return id, nil
}

func encodeFilename(name string) string {
	return base64.StdEncoding.EncodeToString([]byte(name))
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
