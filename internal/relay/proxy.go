package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Jabawack/bay-area-radar/internal/pipeline"
)

// ProxyNode is the stage name used for the single progress frame a proxied
// stream reports.
const ProxyNode = "pipeline"

const maxUpstreamBody = 64 << 20

// Proxy forwards fetches to an upstream endpoint that serves the
// non-streaming jobs response.
type Proxy struct {
	upstream string
	client   *http.Client
	hooks    Hooks
}

// NewProxy builds a Proxy. A nil client gets one bounded by timeout.
func NewProxy(upstream string, client *http.Client, timeout time.Duration, hooks Hooks) (*Proxy, error) {
	if strings.TrimSpace(upstream) == "" {
		return nil, errors.New("proxy requires an upstream url")
	}
	if client == nil {
		if timeout <= 0 {
			timeout = pipeline.DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	hooks = hooks.withDefaults()
	hooks.Logger = hooks.Logger.Named("proxy")
	return &Proxy{upstream: upstream, client: client, hooks: hooks}, nil
}

// Mode reports ModeProxy.
func (p *Proxy) Mode() string {
	return ModeProxy
}

// Stream reports one start frame, then the upstream outcome.
func (p *Proxy) Stream(ctx context.Context, out EventWriter) error {
	ctx, sess := p.hooks.open(ctx, ModeProxy)
	var (
		result pipeline.FetchResult
		err    error
	)
	if werr := out.Progress(ProgressMessage{Type: MessageStart, Node: ProxyNode, Message: "Fetching jobs..."}); werr != nil {
		err = fmt.Errorf("%w: %w", errDelivery, werr)
	} else {
		result, err = p.get(ctx, sess)
		if err == nil {
			if werr := out.Complete(pipeline.Response{Success: true, FetchResult: result}); werr != nil {
				err = fmt.Errorf("%w: %w", errDelivery, werr)
			}
		} else if werr := out.Error(err.Error()); werr != nil {
			sess.logger.Debug("error frame not delivered")
		}
	}
	sess.close(ctx, result, err)
	return err
}

// Fetch returns the upstream result.
func (p *Proxy) Fetch(ctx context.Context) (pipeline.FetchResult, error) {
	ctx, sess := p.hooks.open(ctx, ModeProxy)
	result, err := p.get(ctx, sess)
	sess.close(ctx, result, err)
	return result, err
}

func (p *Proxy) get(ctx context.Context, sess *session) (pipeline.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.upstream, nil)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("upstream request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var body pipeline.Response
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxUpstreamBody)).Decode(&body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !body.Success {
		if decodeErr == nil && len(body.Errors) > 0 {
			return pipeline.FetchResult{}, fmt.Errorf("upstream failed: %s", body.Errors[0])
		}
		return pipeline.FetchResult{}, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return pipeline.FetchResult{}, fmt.Errorf("decode upstream response: %w", decodeErr)
	}
	result := body.FetchResult
	sess.fill(&result)
	return result, nil
}
