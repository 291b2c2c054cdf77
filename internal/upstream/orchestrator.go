package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"account_gateway/internal/adapter"
	"account_gateway/internal/config"
	"account_gateway/internal/models"
	"account_gateway/internal/quota"
)

const (
	antigravityStreamPath = "/v1internal:streamGenerateContent?alt=sse"
	kiroStreamPath        = "/generateAssistantResponse"
)

// Picker selects one eligible credential. Implemented by selector.Selector.
type Picker interface {
	Select(ctx context.Context, user *models.User, model string, excluded map[uuid.UUID]bool) (*models.Credential, error)
}

// CredentialDisabler flips a credential off permanently. Implemented by
// storage.CredentialRepository.
type CredentialDisabler interface {
	Disable(ctx context.Context, id uuid.UUID) error
}

// QuotaReader is the ledger surface the orchestrator needs for post-stream
// consumption accounting.
type QuotaReader interface {
	CachedQuota(ctx context.Context, cred *models.Credential, model string) (float64, time.Time)
	Refresh(ctx context.Context, cred *models.Credential) error
}

// ConsumptionSink accepts consumption events off the streaming path.
// Implemented by quota.ConsumptionWorker.
type ConsumptionSink interface {
	Enqueue(ctx context.Context, event quota.ConsumptionEvent)
}

// Request is one logical inbound call.
type Request struct {
	User     *models.User
	Model    string
	Messages []adapter.ChatMessage
	Tools    []adapter.Tool
	Params   adapter.GenParams
}

// Result summarizes a completed logical request for audit logging.
type Result struct {
	CredentialID uuid.UUID
	Tier         models.Tier
	Attempts     int
}

// ImageResult is the composed output of an image-generation call.
type ImageResult struct {
	Images []adapter.ImageData
	Text   string
}

// Orchestrator drives one logical request through possibly many physical
// attempts: endpoint rotation on 403, credential replacement on quota and
// validity errors, and bounded retries. Canonical events from the winning
// attempt stream straight through to the caller; an attempt that fails
// before its status line resolves never emits anything.
type Orchestrator struct {
	picker   Picker
	creds    CredentialDisabler
	ledger   QuotaReader
	sink     ConsumptionSink
	client   *http.Client
	cfg      config.UpstreamConfig
	defaults config.GenerationDefaults
}

// NewOrchestrator creates the retry state machine. The HTTP client timeout
// is the hard per-attempt ceiling covering the full streaming read.
func NewOrchestrator(picker Picker, creds CredentialDisabler, ledger QuotaReader, sink ConsumptionSink, cfg config.UpstreamConfig, defaults config.GenerationDefaults) *Orchestrator {
	return &Orchestrator{
		picker:   picker,
		creds:    creds,
		ledger:   ledger,
		sink:     sink,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		cfg:      cfg,
		defaults: defaults,
	}
}

// HandleChat runs one conversational request, forwarding canonical events to
// emit in upstream order.
func (o *Orchestrator) HandleChat(ctx context.Context, req Request, emit func(adapter.StreamEvent)) (*Result, error) {
	return o.run(ctx, req, false, emit)
}

// HandleImageGenerate runs one image-generation request and composes the
// streamed events into a single result.
func (o *Orchestrator) HandleImageGenerate(ctx context.Context, req Request) (*ImageResult, *Result, error) {
	composed := &ImageResult{}
	res, err := o.run(ctx, req, true, func(ev adapter.StreamEvent) {
		switch ev.Type {
		case adapter.EventImage:
			if ev.Image != nil {
				composed.Images = append(composed.Images, *ev.Image)
			}
		case adapter.EventText:
			composed.Text += ev.Text
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return composed, res, nil
}

// run is the per-request state machine. State: the retry counter, the
// endpoint cursor, whether the first 403 body was a policy denial, and the
// accumulated exclusion set. Retries are a bounded loop so termination does
// not depend on call depth.
func (o *Orchestrator) run(ctx context.Context, req Request, image bool, emit func(adapter.StreamEvent)) (*Result, error) {
	info, ok := models.LookupModel(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", adapter.ErrClientRequest, req.Model)
	}

	payload, err := o.buildPayload(info.Provider, req)
	if err != nil {
		return nil, err
	}

	retryMax := o.cfg.RetryMaxChat
	if image {
		retryMax = o.cfg.RetryMaxImage
	}

	excluded := make(map[uuid.UUID]bool)
	retryCount := 0
	endpointIndex := 0
	sawForbidden := false
	firstForbiddenWasPolicy := false
	attempts := 0

	cred, err := o.picker.Select(ctx, req.User, req.Model, excluded)
	if err != nil {
		return nil, err
	}

	for {
		attempts++
		status, body, stream, err := o.send(ctx, info.Provider, cred, endpointIndex, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		if status == http.StatusOK {
			err := o.consumeStream(ctx, info.Provider, cred, req, stream, emit)
			stream.Close()
			if err != nil {
				return nil, err
			}
			return &Result{CredentialID: cred.ID, Tier: cred.Tier, Attempts: attempts}, nil
		}
		stream.Close()

		logEntry := log.WithFields(log.Fields{
			"model":      req.Model,
			"credential": cred.ID,
			"status":     status,
			"attempt":    attempts,
		})

		switch classify(status, body) {
		case classForbidden:
			if !sawForbidden {
				sawForbidden = true
				firstForbiddenWasPolicy = isPermissionDenied(body)
			}
			if endpointIndex+1 < o.endpointCount(info.Provider) {
				endpointIndex++
				logEntry.Warn("endpoint returned 403, rotating to next endpoint")
				continue
			}
			// A policy-level first denial is the provider's call, not the
			// account's state; only account-level denials disable.
			if !firstForbiddenWasPolicy {
				if derr := o.creds.Disable(ctx, cred.ID); derr != nil {
					logEntry.WithError(derr).Error("failed to disable credential")
				}
			}
			return nil, &Error{Code: CodeAllEndpointsForbidden, Status: status, Body: body}

		case classQuotaExhausted, classRateLimited:
			retryCount++
			if retryCount > retryMax {
				return nil, &Error{Code: CodeResourceExhausted, Status: status, Body: body}
			}
			excluded[cred.ID] = true
			logEntry.Warn("credential out of quota, reselecting")
			cred, err = o.reselect(ctx, req, excluded, status, body)
			if err != nil {
				return nil, err
			}

		case classProjectInvalid:
			excluded[cred.ID] = true
			logEntry.Warn("credential project invalid, disabling")
			if derr := o.creds.Disable(ctx, cred.ID); derr != nil {
				logEntry.WithError(derr).Error("failed to disable credential")
			}
			cred, err = o.reselect(ctx, req, excluded, status, body)
			if err != nil {
				return nil, err
			}

		case classInvalidArgument:
			return nil, &Error{Code: CodeInvalidArgument, Status: status, Body: body}

		case classPayloadTooLarge:
			return nil, &Error{Code: CodeInvalidArgument, Status: status, Body: body}

		case classBadRequest:
			logEntry.Warn("unclassified 400, disabling credential")
			if derr := o.creds.Disable(ctx, cred.ID); derr != nil {
				logEntry.WithError(derr).Error("failed to disable credential")
			}
			return nil, &Error{Code: CodeUpstreamError, Status: status, Body: body}

		case classInternal:
			return nil, &Error{Code: CodeIllegalPrompt, Status: status, Body: body}

		default:
			return nil, &Error{Code: CodeUpstreamError, Status: status, Body: body}
		}
	}
}

// reselect maps selection exhaustion to a terminal quota error carrying the
// last upstream body.
func (o *Orchestrator) reselect(ctx context.Context, req Request, excluded map[uuid.UUID]bool, status int, body string) (*models.Credential, error) {
	cred, err := o.picker.Select(ctx, req.User, req.Model, excluded)
	if err != nil {
		return nil, &Error{Code: CodeResourceExhausted, Status: status, Body: body}
	}
	return cred, nil
}

func (o *Orchestrator) buildPayload(provider models.Provider, req Request) ([]byte, error) {
	switch provider {
	case models.ProviderKiro:
		return adapter.BuildKiroRequest(req.Model, req.Messages, req.Tools, "")
	default:
		return adapter.BuildAntigravityRequest(req.Model, req.Messages, req.Tools, req.Params, o.defaults)
	}
}

func (o *Orchestrator) endpointCount(provider models.Provider) int {
	if provider == models.ProviderKiro {
		return 1
	}
	return len(o.cfg.AntigravityEndpoints)
}

// send dispatches one physical attempt and resolves its status line. For a
// non-2xx response the body is drained and returned; for 200 the caller owns
// the still-open body.
func (o *Orchestrator) send(ctx context.Context, provider models.Provider, cred *models.Credential, endpointIndex int, payload []byte) (int, string, io.ReadCloser, error) {
	var url string
	body := payload

	switch provider {
	case models.ProviderKiro:
		url = o.cfg.KiroEndpoint + kiroStreamPath
		if arn := kiroProfileArn(cred); arn != "" {
			body, _ = sjson.SetBytes(body, "profileArn", arn)
		}
	default:
		url = o.cfg.AntigravityEndpoints[endpointIndex] + antigravityStreamPath
		if project := cred.ProjectID(); project != "" {
			body, _ = sjson.SetBytes(body, "project", project)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	if provider != models.ProviderKiro {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return resp.StatusCode, string(raw), nopCloser{}, nil
	}
	return resp.StatusCode, "", resp.Body, nil
}

// consumeStream parses the winning attempt's body with the wire strategy
// matching the provider and schedules consumption accounting.
func (o *Orchestrator) consumeStream(ctx context.Context, provider models.Provider, cred *models.Credential, req Request, stream io.Reader, emit func(adapter.StreamEvent)) error {
	if provider == models.ProviderKiro {
		parser := adapter.NewEventStreamParser(func(usage float64) {
			// Kiro reports an absolute consumed amount in-band; encode it as
			// a before/after delta for the ledger.
			o.sink.Enqueue(ctx, quota.ConsumptionEvent{
				UserID:       req.User.ID,
				CredentialID: cred.ID,
				Model:        req.Model,
				QuotaBefore:  usage,
				QuotaAfter:   0,
				Tier:         cred.Tier,
			})
		})
		return parser.Parse(stream, emit)
	}

	before, _ := o.ledger.CachedQuota(ctx, cred, req.Model)

	parser := adapter.NewTextFrameParser()
	if err := parser.Parse(stream, emit); err != nil {
		return err
	}

	// Accounting runs detached so it never adds latency to the response the
	// caller observes.
	go o.recordAntigravityConsumption(req.User.ID, cred, req.Model, before)
	return nil
}

// recordAntigravityConsumption refreshes the credential's quota rows and
// enqueues the observed fraction delta.
func (o *Orchestrator) recordAntigravityConsumption(userID uuid.UUID, cred *models.Credential, model string, before float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.ledger.Refresh(ctx, cred); err != nil {
		log.WithError(err).WithField("credential", cred.ID).Warn("post-stream quota refresh failed")
		return
	}
	after, _ := o.ledger.CachedQuota(ctx, cred, model)

	o.sink.Enqueue(ctx, quota.ConsumptionEvent{
		UserID:       userID,
		CredentialID: cred.ID,
		Model:        model,
		QuotaBefore:  before,
		QuotaAfter:   after,
		Tier:         cred.Tier,
	})
}

func kiroProfileArn(cred *models.Credential) string {
	return cred.Routing.String("profile_arn")
}

type nopCloser struct{}

func (nopCloser) Read([]byte) (int, error) { return 0, io.EOF }
func (nopCloser) Close() error             { return nil }
