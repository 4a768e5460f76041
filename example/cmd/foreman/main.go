// Command foreman runs one plan-first agent run end to end: it loads a
// policy, registers the bundled fs, exec and workspace tools, picks a model
// provider, then drives the plan, execute, review, replan loop and prints the
// audit document when the run ends.
//
// The default provider is "scripted", a canned client that needs no
// credentials and writes a greeting file into the project root. The real
// providers read their credentials from the environment:
//
//	openai    - OPENAI_API_KEY
//	anthropic - ANTHROPIC_API_KEY
//	bedrock   - standard AWS credential chain (optionally -aws-region)
//
// Optional backends: -mongo-url persists audit events to MongoDB and
// -redis-url shares the rate-limit budget across runners while streaming run
// events over Pulse.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	auditmongo "goa.design/foreman/features/audit/mongo"
	clientsmongo "goa.design/foreman/features/audit/mongo/clients/mongo"
	eventspulse "goa.design/foreman/features/events/pulse"
	clientspulse "goa.design/foreman/features/events/pulse/clients/pulse"
	"goa.design/foreman/features/model/anthropic"
	"goa.design/foreman/features/model/bedrock"
	"goa.design/foreman/features/model/middleware"
	"goa.design/foreman/features/model/openai"
	execfeature "goa.design/foreman/features/tools/exec"
	fsfeature "goa.design/foreman/features/tools/fs"
	workspacefeature "goa.design/foreman/features/tools/workspace"
	"goa.design/foreman/runtime/agent/audit"
	auditinmem "goa.design/foreman/runtime/agent/audit/inmem"
	"goa.design/foreman/runtime/agent/model"
	"goa.design/foreman/runtime/agent/planner"
	"goa.design/foreman/runtime/agent/policy"
	"goa.design/foreman/runtime/agent/review"
	agentruntime "goa.design/foreman/runtime/agent/runtime"
	"goa.design/foreman/runtime/agent/telemetry"
	"goa.design/foreman/runtime/agent/tools"
)

// Default model identifiers per provider, overridden with -model.
const (
	defaultOpenAIModel    = "gpt-5"
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultBedrockModel   = "anthropic.claude-sonnet-4-5-20250929-v1:0"
)

func main() {
	var (
		goalF     = flag.String("goal", "Write a greeting file in a fresh workspace", "Goal the agent plans and executes")
		providerF = flag.String("provider", "scripted", "Model provider (scripted, openai, anthropic or bedrock)")
		modelF    = flag.String("model", "", "Model identifier (empty uses the provider default)")
		policyF   = flag.String("policy", "", "Policy YAML path (empty uses the built-in demo policy)")
		rootF     = flag.String("root", "", "Project root for fs and exec tools (empty creates a temp dir)")
		mongoF    = flag.String("mongo-url", "", "MongoDB URL for persistent audit storage (empty keeps audit in memory)")
		redisF    = flag.String("redis-url", "", "Redis address for shared rate limits and Pulse run events")
		regionF   = flag.String("aws-region", "", "AWS region override for the bedrock provider")
		tpmF      = flag.Float64("tpm", 60000, "Initial tokens-per-minute budget for provider calls")
		maxTurnsF = flag.Int("max-turns", 0, "Turn cap override (0 keeps the runtime default)")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, options{
		goal:     *goalF,
		provider: *providerF,
		model:    *modelF,
		policy:   *policyF,
		root:     *rootF,
		mongoURL: *mongoF,
		redisURL: *redisF,
		region:   *regionF,
		tpm:      *tpmF,
		maxTurns: *maxTurnsF,
	}); err != nil {
		log.Fatalf(ctx, err, "run failed")
	}
}

// options carries the parsed flags into run.
type options struct {
	goal     string
	provider string
	model    string
	policy   string
	root     string
	mongoURL string
	redisURL string
	region   string
	tpm      float64
	maxTurns int
}

func run(ctx context.Context, opts options) error {
	logger := telemetry.NewClueLogger()

	// Policy: an operator file or the built-in demo contract.
	var (
		pol *policy.Policy
		err error
	)
	if opts.policy != "" {
		pol, err = policy.Load(opts.policy)
		if err != nil {
			return err
		}
	} else {
		pol = demoPolicy()
	}

	// Project root confines every fs and exec tool.
	root := opts.root
	if root == "" {
		root, err = os.MkdirTemp("", "foreman-demo-")
		if err != nil {
			return fmt.Errorf("create project root: %w", err)
		}
		log.Print(ctx, log.KV{K: "project-root", V: root})
	}

	// Bundled tools.
	registry := tools.NewRegistry()
	if err := fsfeature.Register(registry); err != nil {
		return fmt.Errorf("register fs tools: %w", err)
	}
	if err := execfeature.Register(registry, execfeature.Options{Policy: pol}); err != nil {
		return fmt.Errorf("register exec tools: %w", err)
	}
	if err := workspacefeature.Register(registry); err != nil {
		return fmt.Errorf("register workspace tools: %w", err)
	}

	// Optional Redis backs both the shared rate limit and the event stream.
	var rdb *redis.Client
	if opts.redisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: opts.redisURL})
		defer func() {
			if cerr := rdb.Close(); cerr != nil {
				log.Errorf(ctx, cerr, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	client, modelName, err := buildModelClient(ctx, opts, rdb)
	if err != nil {
		return err
	}

	pl, err := planner.New(planner.Options{
		Client: client,
		Model:  modelName,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Audit store: MongoDB when configured, in-memory otherwise.
	var store audit.Store
	if opts.mongoURL != "" {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(opts.mongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if cerr := mc.Disconnect(context.Background()); cerr != nil {
				log.Errorf(ctx, cerr, "disconnect mongo")
			}
		}()
		ac, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: "foreman"})
		if err != nil {
			return fmt.Errorf("build mongo audit client: %w", err)
		}
		store, err = auditmongo.NewStore(ac)
		if err != nil {
			return err
		}
	} else {
		store = auditinmem.New()
	}

	sink, err := buildSink(ctx, rdb)
	if err != nil {
		return err
	}

	rt, err := agentruntime.New(agentruntime.Options{
		Planner:     pl,
		Registry:    registry,
		Policy:      pol,
		AuditStore:  store,
		Sink:        sink,
		Logger:      logger,
		MaxTurns:    opts.maxTurns,
		ProjectRoot: root,
		Runner:      execfeature.NewLocalRunner(),
		// The demo trusts its allowlisted tools; attended deployments swap in
		// real reviewers here.
		PatchReviewer:  review.AcceptAllPatches(),
		ChangeReviewer: review.RejectAllChanges(),
		Labels:         map[string]string{"provider": opts.provider},
	})
	if err != nil {
		return err
	}

	result, err := rt.Run(ctx, opts.goal)
	if err != nil {
		return err
	}

	log.Print(ctx,
		log.KV{K: "run-id", V: result.RunID},
		log.KV{K: "status", V: string(result.Status)},
		log.KV{K: "summary", V: result.Summary},
		log.KV{K: "turns", V: result.State.UsedTurns},
	)

	dump, err := json.MarshalIndent(result.Audit, "", "  ")
	if err != nil {
		return fmt.Errorf("encode audit document: %w", err)
	}
	fmt.Println(string(dump))

	if !result.OK {
		return errors.New(result.Summary)
	}
	return nil
}

// buildModelClient selects the provider, applies the adaptive rate limiter to
// real providers and returns the client plus the model identifier to plan
// with.
func buildModelClient(ctx context.Context, opts options, rdb *redis.Client) (model.Client, string, error) {
	if opts.provider == "scripted" {
		return newScriptedClient(opts.goal), "", nil
	}

	var (
		client model.Client
		name   string
		err    error
	)
	switch opts.provider {
	case "openai":
		name = orDefault(opts.model, defaultOpenAIModel)
		client, err = openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), name)
	case "anthropic":
		name = orDefault(opts.model, defaultAnthropicModel)
		client, err = anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), name)
	case "bedrock":
		name = orDefault(opts.model, defaultBedrockModel)
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.region))
		}
		cfg, cfgErr := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if cfgErr != nil {
			return nil, "", fmt.Errorf("load aws config: %w", cfgErr)
		}
		client, err = bedrock.NewFromConfig(cfg, name)
	default:
		return nil, "", fmt.Errorf("unknown provider %q (valid: scripted, openai, anthropic, bedrock)", opts.provider)
	}
	if err != nil {
		return nil, "", fmt.Errorf("build %s client: %w", opts.provider, err)
	}

	var limiter *middleware.AdaptiveRateLimiter
	if rdb != nil {
		limiter, err = middleware.NewClusterAdaptiveRateLimiter(ctx, rdb, "foreman:ratelimit", opts.provider, opts.tpm, 4*opts.tpm)
		if err != nil {
			return nil, "", err
		}
	} else {
		limiter = middleware.NewAdaptiveRateLimiter(ctx, nil, "", opts.tpm, 4*opts.tpm)
	}
	return limiter.Middleware()(client), name, nil
}

// buildSink logs every run event and, when Redis is available, mirrors the
// events onto the run's Pulse stream.
func buildSink(ctx context.Context, rdb *redis.Client) (agentruntime.Sink, error) {
	logSink := agentruntime.SinkFunc(func(ctx context.Context, ev agentruntime.Event) error {
		log.Print(ctx, log.KV{K: "event", V: string(ev.Type())}, log.KV{K: "run-id", V: ev.RunID()})
		return nil
	})
	if rdb == nil {
		return logSink, nil
	}

	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return nil, fmt.Errorf("build pulse client: %w", err)
	}
	pulseSink, err := eventspulse.NewSink(eventspulse.Options{Client: pc})
	if err != nil {
		return nil, fmt.Errorf("build pulse sink: %w", err)
	}
	return agentruntime.SinkFunc(func(ctx context.Context, ev agentruntime.Event) error {
		if err := logSink.HandleEvent(ctx, ev); err != nil {
			return err
		}
		return pulseSink.HandleEvent(ctx, ev)
	}), nil
}

// demoPolicy allows exactly the bundled tools plus a couple of harmless
// binaries so the scripted run can execute without an operator file.
func demoPolicy() *policy.Policy {
	pol := policy.Default()
	pol.TechStackLocked = true
	pol.Safety = policy.Safety{
		AllowedTools: []string{
			string(workspacefeature.PrepareWorkspaceTool),
			string(workspacefeature.NoopTool),
			string(fsfeature.WriteFileTool),
			string(fsfeature.ReadFileTool),
			string(fsfeature.CheckFileExistsTool),
			string(fsfeature.CheckFileContainsTool),
			string(execfeature.RunCommandTool),
			string(execfeature.CheckCommandTool),
		},
		AllowedCommands: []string{"true", "echo", "ls", "cat", "go"},
	}
	return pol
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
