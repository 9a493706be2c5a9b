package bridge

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/viant/mcpgate/internal/session"
)

// Options are the bridge's command-line arguments: a single positional URL, the
// address of the remote MCP server's SSE endpoint.
type Options struct {
	Args struct {
		URL string `positional-arg-name:"url" description:"remote MCP server URL (SSE endpoint)"`
	} `positional-args:"yes" required:"yes"`
}

// Validate normalizes and checks the URL argument, stripping any quoting a shell left
// intact and rejecting URLs the bridge cannot dial.
func (o *Options) Validate() error {
	o.Args.URL = session.CleanURL(o.Args.URL)
	if o.Args.URL == "" {
		return fmt.Errorf("url must not be empty")
	}
	u, err := url.Parse(o.Args.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", o.Args.URL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url %q must use http or https", o.Args.URL)
	}
	return nil
}
