package server

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/gallery-oauth/instrumentation"
	"github.com/giantswarm/gallery-oauth/security"
	"github.com/giantswarm/gallery-oauth/storage"
)

// maxTokenGenerationAttempts bounds retries when a fresh code or token hash collides
const maxTokenGenerationAttempts = 3

// Server implements the authorization server: client authentication, the
// authorization decision gate, code issuance, token exchange and bearer validation.
type Server struct {
	store           storage.Store
	Auditor         *security.Auditor
	Lockout         security.FailureTracker
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer      trace.Tracer
	metrics     *instrumentation.Metrics
	ownsLockout *security.Lockout
	now         func() time.Time
}

// New creates a new authorization server backed by store
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	srv := &Server{
		store:  store,
		Config: config,
		Logger: logger,
		now:    time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}
	srv.SetInstrumentation(inst)

	lockout := security.NewLockout(config.Lockout, logger)
	srv.Lockout = lockout
	srv.ownsLockout = lockout

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetLockout replaces the in-process lockout tracker, e.g. with a
// security.RedisLockout shared by several instances.
func (s *Server) SetLockout(tracker security.FailureTracker) {
	if tracker == nil {
		return
	}
	if s.ownsLockout != nil {
		s.ownsLockout.Stop()
		s.ownsLockout = nil
	}
	s.Lockout = tracker
}

// SetInstrumentation sets the OpenTelemetry instrumentation used for spans and metrics
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Instrumentation = inst
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// Store returns the credential store the server was built with
func (s *Server) Store() storage.Store {
	return s.store
}

// Stop releases background resources owned by the server. It does not stop the store.
func (s *Server) Stop() {
	if s.ownsLockout != nil {
		s.ownsLockout.Stop()
	}
}

// generateRandomToken generates a cryptographically secure random value.
// oauth2.GenerateVerifier reads 32 bytes from crypto/rand (256 bits) and
// returns them base64url-encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// ttl converts a seconds setting to a duration
func ttl(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}
