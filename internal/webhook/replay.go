package webhook

import (
	"context"
	"fmt"
)

// ReplayResult summarises one Replay pass.
type ReplayResult struct {
	Recovered []string
	Failed    map[string]error
}

// Response renders the result for the HTTP API.
func (res ReplayResult) Response() ReplayResponse {
	out := ReplayResponse{
		Recovered: append([]string{}, res.Recovered...),
		Failed:    make(map[string]string, len(res.Failed)),
	}
	for responseUUID, err := range res.Failed {
		out.Failed[responseUUID] = err.Error()
	}
	return out
}

// Replay re-fetches every dead-lettered response. Recovered entries are
// stored under their original arrival time, so a replay never displaces a
// completion that arrived later, and removed from the dead-letter list;
// failures bump Attempts.
func (r *Receiver) Replay(ctx context.Context) (ReplayResult, error) {
	result := ReplayResult{Failed: make(map[string]error)}

	letters, err := r.store.DeadLetters(ctx)
	if err != nil {
		return result, fmt.Errorf("list dead letters: %w", err)
	}

	for _, dl := range letters {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		logger := r.logger.With("response_uuid", dl.ResponseUUID, "attempts", dl.Attempts)

		if err := r.fetchAndStore(ctx, dl.ResponseUUID, dl.CreatedAt); err != nil {
			logger.Warn("replay fetch failed", "error", err)
			result.Failed[dl.ResponseUUID] = err
			if dlErr := r.store.PutDeadLetter(ctx, dl.ResponseUUID, dl.CreatedAt, err); dlErr != nil {
				return result, fmt.Errorf("update dead letter %s: %w", dl.ResponseUUID, dlErr)
			}
			continue
		}

		if err := r.store.DeleteDeadLetter(ctx, dl.ResponseUUID); err != nil {
			return result, fmt.Errorf("delete dead letter %s: %w", dl.ResponseUUID, err)
		}
		logger.Info("replayed dead letter")
		r.publish(EventSessionCompleted, map[string]string{"response_uuid": dl.ResponseUUID})
		result.Recovered = append(result.Recovered, dl.ResponseUUID)
	}
	return result, nil
}
