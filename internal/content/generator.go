// Package content decides the shared puzzle image a room plays with. Only the host calls it; the
// result is a reference URL that every participant loads on its own.
package content

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var ErrNoBaseURL = errors.New("content: base url not configured")

type Generator struct {
	baseURL string
	newID   func() string
}

func NewGenerator(baseURL string) *Generator {
	return &Generator{
		baseURL: strings.TrimRight(baseURL, "/"),
		newID:   uuid.NewString,
	}
}

// Generate returns a fresh image reference for the given tags.
func (g *Generator) Generate(ctx context.Context, tags []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.baseURL == "" {
		return "", ErrNoBaseURL
	}
	u, err := url.Parse(fmt.Sprintf("%s/%s.png", g.baseURL, g.newID()))
	if err != nil {
		return "", fmt.Errorf("content: %w", err)
	}
	if len(tags) > 0 {
		q := u.Query()
		q.Set("tags", strings.Join(tags, ","))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
