package alerts

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      *Chat  `json:"chat"`
	From      *User  `json:"from"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// GetUpdates long-polls the bot API for operator commands. The offset
// must be one past the last processed update id.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	if !t.enabled {
		return nil, nil
	}
	params := url.Values{}
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}
	if timeout > 0 {
		params.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	}
	endpoint := t.endpoint("getUpdates")
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := t.call(req, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}
