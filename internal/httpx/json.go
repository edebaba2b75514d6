package httpx

import (
	"encoding/json"
	"net/http"
)

// DecodeJSON decodes the response body into out and closes it. A nil out only
// drains and closes.
func DecodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
