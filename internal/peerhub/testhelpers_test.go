package peerhub

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

func decodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func jsonBody(s string) io.Reader {
	return strings.NewReader(s)
}
