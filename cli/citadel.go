// Package cli implements the citadel command line interface. Each
// command lives in its own file as a ConfigureXxxCommand registration
// plus an XxxCommandInput struct whose store and manager fields are
// injectable for testing; when left nil they are built from the global
// configuration against DynamoDB.
package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/citadelzt/citadel/adaptive"
	"github.com/citadelzt/citadel/audit"
	"github.com/citadelzt/citadel/behavior"
	"github.com/citadelzt/citadel/breakglass"
	"github.com/citadelzt/citadel/config"
	"github.com/citadelzt/citadel/contextual"
	"github.com/citadelzt/citadel/decision"
	"github.com/citadelzt/citadel/device"
	"github.com/citadelzt/citadel/eventbus"
	"github.com/citadelzt/citadel/geo"
	"github.com/citadelzt/citadel/identity"
	"github.com/citadelzt/citadel/jit"
	"github.com/citadelzt/citadel/logging"
	"github.com/citadelzt/citadel/notification"
	"github.com/citadelzt/citadel/policy"
	"github.com/citadelzt/citadel/principal"
	"github.com/citadelzt/citadel/ratelimit"
	"github.com/citadelzt/citadel/request"
	"github.com/citadelzt/citadel/response"
	"github.com/citadelzt/citadel/segment"
	"github.com/citadelzt/citadel/session"
	"github.com/citadelzt/citadel/threat"
)

// EnvDeviceKey names the environment variable carrying the hex-encoded
// AES-256 key that seals device characteristics at rest.
const EnvDeviceKey = "CITADEL_DEVICE_KEY"

// EnvTokenKey names the environment variable carrying the hex-encoded
// HMAC secret that signs and verifies local bearer tokens.
const EnvTokenKey = "CITADEL_TOKEN_KEY"

// EnvBearerToken names the environment variable carrying a bearer token
// for commands that accept --token.
const EnvBearerToken = "CITADEL_TOKEN"

// Citadel holds the global flags and lazily built shared dependencies.
// Commands reach through it for configuration, AWS clients, and the
// assembled engines; tests bypass it by injecting stores directly into
// command inputs.
type Citadel struct {
	Debug      bool
	ConfigPath string
	Region     string

	cfg       *config.Config
	awsCfg    *aws.Config
	logger    logging.Logger
	bus       *eventbus.Bus
	responses *response.Engine
}

// ConfigureGlobals registers the global flags and returns the shared
// Citadel instance the per-command configurators close over.
func ConfigureGlobals(app *kingpin.Application) *Citadel {
	c := &Citadel{}

	app.Flag("debug", "Show debugging output").
		BoolVar(&c.Debug)

	app.Flag("config", "Path to the citadel configuration file").
		Envar("CITADEL_CONFIG").
		StringVar(&c.ConfigPath)

	app.Flag("region", "AWS region, overriding the configuration file").
		Envar(config.EnvRegion).
		StringVar(&c.Region)

	return c
}

// Config loads the runtime configuration once and caches it. A missing
// --config flag runs on defaults with environment overrides applied.
func (c *Citadel) Config() (*config.Config, error) {
	if c.cfg == nil {
		cfg, err := config.Load(c.ConfigPath)
		if err != nil {
			return nil, err
		}
		if c.Region != "" {
			cfg.AWS.Region = c.Region
		}
		c.cfg = cfg
	}
	return c.cfg, nil
}

// AWSConfig loads the AWS SDK configuration once, pinned to the
// configured region.
func (c *Citadel) AWSConfig(ctx context.Context) (aws.Config, error) {
	if c.awsCfg == nil {
		cfg, err := c.Config()
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
		}
		c.awsCfg = &awsCfg
	}
	return *c.awsCfg, nil
}

// Logger returns the shared structured logger. Debug mode logs JSON
// lines to stderr; otherwise the logger is a no-op so command output
// stays clean JSON on stdout.
func (c *Citadel) Logger() logging.Logger {
	if c.logger == nil {
		if c.Debug {
			c.logger = logging.NewJSONLogger(os.Stderr)
		} else {
			c.logger = logging.NewNopLogger()
		}
	}
	return c.logger
}

// Bus returns the shared in-process event bus.
func (c *Citadel) Bus() *eventbus.Bus {
	if c.bus == nil {
		c.bus = eventbus.New()
	}
	return c.bus
}

// AuditChain returns the DynamoDB-backed audit chain.
func (c *Citadel) AuditChain(ctx context.Context) (audit.Log, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}
	awsCfg, err := c.AWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return audit.NewDynamoDBChain(awsCfg, cfg.AWS.Tables.Audit), nil
}

// Recorder returns an audit recorder over the DynamoDB chain.
func (c *Citadel) Recorder(ctx context.Context) (*audit.Recorder, error) {
	chain, err := c.AuditChain(ctx)
	if err != nil {
		return nil, err
	}
	return audit.NewRecorder(chain), nil
}

// Dispatcher returns the notification dispatcher. Without a configured
// SNS topic notifications are dropped.
func (c *Citadel) Dispatcher(ctx context.Context) (*notification.Dispatcher, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}
	if cfg.AWS.SNSTopicARN == "" {
		return notification.NewDispatcher(nil), nil
	}
	awsCfg, err := c.AWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return notification.NewDispatcher(
		notification.NewSNSNotifier(awsCfg, cfg.AWS.SNSTopicARN)), nil
}

// PrincipalStore returns the DynamoDB principal store.
func (c *Citadel) PrincipalStore(ctx context.Context) (principal.Store, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return principal.NewDynamoDBStore(awsCfg, cfg.AWS.Tables.Principals), nil
}

// SegmentStore returns the DynamoDB segment store.
func (c *Citadel) SegmentStore(ctx context.Context) (segment.Store, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return segment.NewDynamoDBStore(awsCfg, cfg.AWS.Tables.Segments), nil
}

// PolicyStore returns the DynamoDB policy store.
func (c *Citadel) PolicyStore(ctx context.Context) (policy.Store, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return policy.NewDynamoDBStore(awsCfg, cfg.AWS.Tables.Policies), nil
}

// OutcomeStore returns the DynamoDB policy outcome store.
func (c *Citadel) OutcomeStore(ctx context.Context) (policy.OutcomeStore, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return policy.NewDynamoDBOutcomeStore(awsCfg, cfg.AWS.Tables.Outcomes), nil
}

// RequestStore returns the DynamoDB access request store.
func (c *Citadel) RequestStore(ctx context.Context) (request.Store, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return request.NewDynamoDBStore(awsCfg, cfg.AWS.Tables.Requests), nil
}

// DeviceStore returns the DynamoDB device store.
func (c *Citadel) DeviceStore(ctx context.Context) (device.Store, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return device.NewDynamoDBStore(awsCfg, cfg.AWS.Tables.Devices), nil
}

// SessionStore returns the DynamoDB session store.
func (c *Citadel) SessionStore(ctx context.Context) (session.Store, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return session.NewDynamoDBStore(awsCfg, cfg.AWS.Tables.Sessions), nil
}

// GrantStore returns the DynamoDB elevation grant store.
func (c *Citadel) GrantStore(ctx context.Context) (jit.Store, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return jit.NewDynamoDBStore(awsCfg, cfg.AWS.Tables.Grants), nil
}

// ThreatStore returns the DynamoDB threat prediction store.
func (c *Citadel) ThreatStore(ctx context.Context) (threat.Store, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	return threat.NewDynamoDBStore(awsCfg, cfg.AWS.Tables.Predictions), nil
}

// DeviceRegistry assembles the fingerprint registry. The sealing key
// comes from CITADEL_DEVICE_KEY as 64 hex characters.
func (c *Citadel) DeviceRegistry(ctx context.Context) (*device.Registry, error) {
	store, err := c.DeviceStore(ctx)
	if err != nil {
		return nil, err
	}
	principals, err := c.PrincipalStore(ctx)
	if err != nil {
		return nil, err
	}
	cipher, err := deviceCipherFromEnv()
	if err != nil {
		return nil, err
	}
	threats, err := c.ThreatStore(ctx)
	if err != nil {
		return nil, err
	}
	dispatcher, err := c.Dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	return device.NewRegistry(store, principals, cipher).
		WithEscalation(threats, dispatcher), nil
}

// DecisionEngine assembles the access decision engine from the
// DynamoDB-backed stores.
func (c *Citadel) DecisionEngine(ctx context.Context) (*decision.Engine, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}

	policies, err := c.PolicyStore(ctx)
	if err != nil {
		return nil, err
	}
	table := policy.NewTable()
	provider := policy.NewProvider(policies, table)
	if err := provider.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("loading policy snapshot: %w", err)
	}

	registry, err := c.DeviceRegistry(ctx)
	if err != nil {
		return nil, err
	}
	principals, err := c.PrincipalStore(ctx)
	if err != nil {
		return nil, err
	}
	requests, err := c.RequestStore(ctx)
	if err != nil {
		return nil, err
	}
	outcomes, err := c.OutcomeStore(ctx)
	if err != nil {
		return nil, err
	}
	recorder, err := c.Recorder(ctx)
	if err != nil {
		return nil, err
	}

	histories := contextual.NewDynamoDBHistoryStore(awsCfg, cfg.AWS.Tables.Histories)
	evaluator := contextual.NewEvaluator(histories, geo.NewStaticResolver())
	baselines := behavior.NewDynamoDBBaselineStore(awsCfg, cfg.AWS.Tables.Baselines)
	analyzer := behavior.NewAnalyzer(baselines, cfg.Behavior.MinBaselineSessions)

	access, err := ratelimit.NewDynamoDBRateLimiter(awsCfg, cfg.AWS.Tables.Requests, ratelimit.Config{
		RequestsPerWindow: cfg.RateLimit.AccessPerHour,
		Window:            time.Hour,
	})
	if err != nil {
		return nil, err
	}
	auth, err := ratelimit.NewDynamoDBRateLimiter(awsCfg, cfg.AWS.Tables.Requests, ratelimit.Config{
		RequestsPerWindow: cfg.RateLimit.AuthPerMinute,
		Window:            time.Minute,
	})
	if err != nil {
		return nil, err
	}

	return decision.NewEngine(decision.Deps{
		Policies:   policy.NewEngine(table),
		Devices:    registry,
		Contexts:   evaluator,
		Behaviors:  analyzer,
		Principals: principals,
		Requests:   requests,
		Outcomes:   outcomes,
		Recorder:   recorder,
		Bus:        c.Bus(),
		Limits:     ratelimit.NewGuard(access, auth),
		Logger:     c.Logger(),
	}, decision.Config{
		AutoApproveThreshold: cfg.Decision.AutoApproveThreshold,
		StepUpThreshold:      cfg.Decision.StepUpThreshold,
	})
}

// JITManager assembles the elevation manager.
func (c *Citadel) JITManager(ctx context.Context) (*jit.Manager, error) {
	grants, err := c.GrantStore(ctx)
	if err != nil {
		return nil, err
	}
	segments, err := c.SegmentStore(ctx)
	if err != nil {
		return nil, err
	}
	principals, err := c.PrincipalStore(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := c.DecisionEngine(ctx)
	if err != nil {
		return nil, err
	}
	recorder, err := c.Recorder(ctx)
	if err != nil {
		return nil, err
	}
	notify, err := c.Dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	return jit.NewManager(jit.Deps{
		Grants:     grants,
		Segments:   segments,
		Principals: principals,
		Decisions:  engine,
		Recorder:   recorder,
		Bus:        c.Bus(),
		Notify:     notify,
		Logger:     c.Logger(),
	})
}

// BreakGlassManager assembles the emergency access manager.
func (c *Citadel) BreakGlassManager(ctx context.Context) (*breakglass.Manager, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	principals, err := c.PrincipalStore(ctx)
	if err != nil {
		return nil, err
	}
	recorder, err := c.Recorder(ctx)
	if err != nil {
		return nil, err
	}
	notify, err := c.Dispatcher(ctx)
	if err != nil {
		return nil, err
	}

	histories := contextual.NewDynamoDBHistoryStore(awsCfg, cfg.AWS.Tables.Histories)
	baselines := behavior.NewDynamoDBBaselineStore(awsCfg, cfg.AWS.Tables.Baselines)
	analyzer := behavior.NewAnalyzer(baselines, cfg.Behavior.MinBaselineSessions)

	return breakglass.NewManager(breakglass.Deps{
		Requests:   breakglass.NewDynamoDBRequestStore(awsCfg, cfg.AWS.Tables.EmergencyRequests),
		Sessions:   breakglass.NewDynamoDBSessionStore(awsCfg, cfg.AWS.Tables.EmergencySessions),
		Reports:    breakglass.NewDynamoDBReportStore(awsCfg, cfg.AWS.Tables.EmergencyReports),
		Principals: principals,
		Scorer:     breakglass.NewRiskScorer(histories, analyzer),
		Recorder:   recorder,
		Bus:        c.Bus(),
		Notify:     notify,
		Logger:     c.Logger(),
	})
}

// SessionMonitor assembles the continuous authentication monitor.
func (c *Citadel) SessionMonitor(ctx context.Context) (*session.Monitor, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := c.SessionStore(ctx)
	if err != nil {
		return nil, err
	}
	principals, err := c.PrincipalStore(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := c.DeviceStore(ctx)
	if err != nil {
		return nil, err
	}
	recorder, err := c.Recorder(ctx)
	if err != nil {
		return nil, err
	}
	notify, err := c.Dispatcher(ctx)
	if err != nil {
		return nil, err
	}

	histories := contextual.NewDynamoDBHistoryStore(awsCfg, cfg.AWS.Tables.Histories)
	baselines := behavior.NewDynamoDBBaselineStore(awsCfg, cfg.AWS.Tables.Baselines)
	analyzer := behavior.NewAnalyzer(baselines, cfg.Behavior.MinBaselineSessions)
	responses, err := c.ResponseEngine(ctx)
	if err != nil {
		return nil, err
	}

	return session.NewMonitor(session.MonitorDeps{
		Sessions:   sessions,
		Principals: principals,
		Devices:    devices,
		Histories:  histories,
		Resolver:   geo.NewStaticResolver(),
		Behaviors:  analyzer,
		Blocked:    responses,
		Recorder:   recorder,
		Bus:        c.Bus(),
		Notify:     notify,
		Logger:     c.Logger(),
	}, session.MonitorConfig{
		Interval:           time.Duration(cfg.ContinuousAuth.IntervalSeconds) * time.Second,
		HighRiskInterval:   time.Duration(cfg.ContinuousAuth.HighRiskIntervalSeconds) * time.Second,
		TerminateThreshold: cfg.ContinuousAuth.TerminateThreshold,
		MFAThreshold:       cfg.ContinuousAuth.MFAThreshold,
	})
}

// ResponseEngine assembles the automated containment engine, cached so
// the session monitor and the event loop share one snapshot. The
// containment state is rebuilt from the stores on first use.
func (c *Citadel) ResponseEngine(ctx context.Context) (*response.Engine, error) {
	if c.responses != nil {
		return c.responses, nil
	}
	devices, err := c.DeviceStore(ctx)
	if err != nil {
		return nil, err
	}
	segments, err := c.SegmentStore(ctx)
	if err != nil {
		return nil, err
	}
	threats, err := c.ThreatStore(ctx)
	if err != nil {
		return nil, err
	}
	recorder, err := c.Recorder(ctx)
	if err != nil {
		return nil, err
	}
	notify, err := c.Dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := response.NewEngine(response.Config{}, response.Deps{
		Devices:  devices,
		Segments: segments,
		Threats:  threats,
		Recorder: recorder,
		Bus:      c.Bus(),
		Notify:   notify,
		Logger:   c.Logger(),
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Rebuild(ctx); err != nil {
		return nil, err
	}
	c.responses = engine
	return c.responses, nil
}

// AdaptiveEngine assembles the policy effectiveness engine.
func (c *Citadel) AdaptiveEngine(ctx context.Context) (*adaptive.Engine, error) {
	cfg, awsCfg, err := c.runtime(ctx)
	if err != nil {
		return nil, err
	}
	policies, err := c.PolicyStore(ctx)
	if err != nil {
		return nil, err
	}
	outcomes, err := c.OutcomeStore(ctx)
	if err != nil {
		return nil, err
	}
	recorder, err := c.Recorder(ctx)
	if err != nil {
		return nil, err
	}
	return adaptive.NewEngine(adaptive.Config{
		WindowDays: cfg.Adaptive.WindowDays,
		MinSamples: cfg.Adaptive.MinSamples,
	}, adaptive.Deps{
		Policies:    policies,
		Outcomes:    outcomes,
		Adjustments: adaptive.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg.AWS.Tables.Adjustments),
		Recorder:    recorder,
	})
}

// ThreatDetector assembles the predictive threat detector.
func (c *Citadel) ThreatDetector(ctx context.Context) (*threat.Detector, error) {
	chain, err := c.AuditChain(ctx)
	if err != nil {
		return nil, err
	}
	store, err := c.ThreatStore(ctx)
	if err != nil {
		return nil, err
	}
	notify, err := c.Dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	return threat.NewDetector(chain, store, notify, c.Bus()), nil
}

func (c *Citadel) runtime(ctx context.Context) (*config.Config, aws.Config, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, aws.Config{}, err
	}
	awsCfg, err := c.AWSConfig(ctx)
	if err != nil {
		return nil, aws.Config{}, err
	}
	return cfg, awsCfg, nil
}

// TokenKeyset builds the HMAC keyset for local bearer tokens from the
// environment.
func (c *Citadel) TokenKeyset() (*identity.Keyset, error) {
	raw := os.Getenv(EnvTokenKey)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set; provide a hex-encoded HMAC secret of at least %d bytes", EnvTokenKey, identity.MinSecretBytes)
	}
	secret, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", EnvTokenKey, err)
	}
	return identity.NewKeyset("local", secret)
}

// TokenVerifier builds the bearer-token verifier over the local keyset.
func (c *Citadel) TokenVerifier() (*identity.TokenVerifier, error) {
	keys, err := c.TokenKeyset()
	if err != nil {
		return nil, err
	}
	return identity.NewTokenVerifier(keys, identity.DefaultIssuer, identity.DefaultAudience), nil
}

func deviceCipherFromEnv() (*device.Cipher, error) {
	raw := os.Getenv(EnvDeviceKey)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set; provide a 64-hex-char AES-256 key", EnvDeviceKey)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", EnvDeviceKey, err)
	}
	return device.NewCipher(key)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
