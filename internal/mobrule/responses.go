package mobrule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type responseEnvelope struct {
	Data *struct {
		ResponseData json.RawMessage `json:"response_data"`
	} `json:"data"`
}

// GetResponse fetches the full response detail for a completed session and
// returns its response_data object.
func (c *Client) GetResponse(ctx context.Context, responseUUID string) (json.RawMessage, error) {
	if !c.HasAPIKey() {
		return nil, &ConfigError{Missing: []string{"MOBRULE_API_KEY"}}
	}

	resp, err := c.do(ctx, http.MethodGet, "/responses/"+url.PathEscape(responseUUID), nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, &UpstreamError{
			Status:  resp.status,
			Message: fmt.Sprintf("Failed to fetch response: %d", resp.status),
		}
	}

	var env responseEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return nil, &DataError{Message: "Invalid response payload"}
	}
	if env.Data == nil || len(env.Data.ResponseData) == 0 || string(env.Data.ResponseData) == "null" {
		return nil, &DataError{Message: "Response payload has no response_data"}
	}
	return env.Data.ResponseData, nil
}
