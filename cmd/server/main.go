// Command server runs the payment-gated claim registry over HTTP, with the
// same tools exposed to agents over MCP. Collaborators are selected by
// environment configuration so one binary covers local development
// (everything in memory) and production (postgres ledger, remote
// facilitator, on-chain registry). See config.FromEnv for the variables.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	bazaar "github.com/ClarenceL/infinite-bazaar-demo-sub002"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/claimstore"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/config"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/extensions/discovery"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/extensions/idempotency"
	bazaarmcp "github.com/ClarenceL/infinite-bazaar-demo-sub002/mcp"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/mechanisms/evm"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/mechanisms/hypercore"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/mechanisms/svm"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/metrics"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/pkg/contentstore"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/pkg/facilitatorclient"
	bazaargin "github.com/ClarenceL/infinite-bazaar-demo-sub002/pkg/gin"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/pkg/ledgerclient"
	"github.com/ClarenceL/infinite-bazaar-demo-sub002/pkg/tokenmetadata"
)

func main() {
	godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New(os.Stdout, "bazaar: ", log.LstdFlags)

	ledger, cleanup, err := buildLedger(cfg)
	if err != nil {
		log.Fatalf("claim ledger: %v", err)
	}
	defer cleanup()

	chain, err := buildChainLedger(cfg)
	if err != nil {
		log.Fatalf("chain ledger: %v", err)
	}

	coordinator := bazaar.NewCoordinator(ledger, buildFacilitator(cfg), buildContentStore(cfg), chain,
		bazaar.WithLogger(logger),
	)
	metrics.New().Instrument(coordinator)

	requirements, err := buildRequirements(cfg)
	if err != nil {
		log.Fatalf("payment requirements: %v", err)
	}
	negOpts := make([]bazaar.NegotiatorOption, 0, len(requirements)+1)
	for _, req := range requirements {
		negOpts = append(negOpts, bazaar.WithRequirement(req))
	}
	negOpts = append(negOpts, bazaar.WithNegotiatorLogger(logger))
	negotiator, err := bazaar.NewNegotiator(coordinator, negOpts...)
	if err != nil {
		log.Fatalf("negotiator: %v", err)
	}

	router := gin.Default()
	bazaargin.Routes(router, negotiator)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	catalog := discovery.NewCatalog("bazaar-claims").
		Add(discovery.Operation{
			Resource:    "/claims",
			Method:      http.MethodPost,
			Description: "register a claim for a subject",
			Accepts:     negotiator.Requirements(),
			InputSchema: discovery.SubmissionSchema(),
		}).
		Add(discovery.Operation{
			Resource:    "/claims/{subjectId}",
			Method:      http.MethodGet,
			Description: "look up the registered claim for a subject",
		})
	router.GET("/discovery", gin.WrapH(catalog.Handler()))

	mcpServer := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "bazaar-claims",
		Version: "1.0.0",
	}, nil)
	bazaarmcp.AddTools(mcpServer, negotiator)
	sseHandler := mcpsdk.NewSSEHandler(func(req *http.Request) *mcpsdk.Server {
		return mcpServer
	}, nil)
	// The handler serves both the event stream and the session message
	// endpoint it advertises, which shares the stream's path.
	router.GET("/sse", gin.WrapH(sseHandler))
	router.POST("/sse", gin.WrapH(sseHandler))
	router.POST("/messages", gin.WrapH(sseHandler))

	srv := &http.Server{Addr: cfg.Addr, Handler: router}

	logger.Printf("claim registry listening on %s (ledger=%s facilitator=%s)",
		cfg.Addr, cfg.LedgerBackend, cfg.FacilitatorMode)
	for _, req := range requirements {
		logger.Printf("accepting %s payments on %s to %s", req.Amount, req.Rail, req.PayTo)
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
}

// buildLedger selects the claim ledger backend. The returned cleanup closes
// the backing connection, if any.
func buildLedger(cfg *config.Config) (bazaar.ClaimLedger, func(), error) {
	var ledger bazaar.ClaimLedger
	cleanup := func() {}

	switch cfg.LedgerBackend {
	case config.LedgerPostgres:
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg := claimstore.NewPostgresClaimLedger(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		ledger = pg
		cleanup = func() { db.Close() }

	case config.LedgerRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		ledger = claimstore.NewRedisClaimLedger(client)
		cleanup = func() { client.Close() }

	default:
		ledger = bazaar.NewMemoryClaimLedger()
	}

	if cfg.CacheTTL > 0 {
		ledger = claimstore.NewCachedClaimLedger(ledger, cfg.CacheTTL)
	}
	return ledger, cleanup, nil
}

// buildFacilitator selects the payment verifier. Local and remote modes are
// wrapped for verification idempotency so concurrent retries of the same
// proof share one verdict instead of racing the single-use digest check.
func buildFacilitator(cfg *config.Config) bazaar.FacilitatorClient {
	switch cfg.FacilitatorMode {
	case config.FacilitatorRemote:
		var opts []facilitatorclient.Option
		if cfg.FacilitatorAPIKey != "" {
			opts = append(opts, facilitatorclient.WithAuthProvider(facilitatorclient.BearerAuth(cfg.FacilitatorAPIKey)))
		}
		return idempotency.Wrap(facilitatorclient.NewRemoteFacilitator(cfg.FacilitatorURL, opts...))
	case config.FacilitatorMock:
		return bazaar.NewMockFacilitator()
	default:
		local := bazaar.NewLocalFacilitator()
		if cfg.EVMPayTo != "" {
			local.Register(bazaar.Rail(cfg.EVMRail), evm.NewExactVerifier())
		}
		if cfg.SVMPayTo != "" {
			local.Register(bazaar.Rail(cfg.SVMRail), svm.NewExactVerifier())
		}
		if cfg.HypercorePayTo != "" {
			local.Register(bazaar.Rail(cfg.HypercoreRail), hypercore.NewExactVerifier())
		}
		return idempotency.Wrap(local)
	}
}

func buildContentStore(cfg *config.Config) bazaar.ContentStore {
	if cfg.ContentStoreURL != "" {
		return contentstore.NewHTTPStore(cfg.ContentStoreURL)
	}
	return contentstore.NewMockStore()
}

func buildChainLedger(cfg *config.Config) (bazaar.LedgerClient, error) {
	if cfg.ChainRPCURL == "" {
		return ledgerclient.NewMockLedger(), nil
	}
	return ledgerclient.NewEVMLedger(cfg.ChainRPCURL, cfg.ChainPrivateKey, cfg.RegistryAddress, cfg.ChainID)
}

// buildRequirements prices each configured rail, resolving the asset and its
// decimals from the rail tables. An EVM asset the tables do not know is read
// from the token contract itself when an RPC endpoint is configured.
func buildRequirements(cfg *config.Config) ([]bazaar.PaymentRequirement, error) {
	price, ok := new(big.Float).SetString(cfg.Price)
	if !ok {
		return nil, fmt.Errorf("invalid price %q", cfg.Price)
	}

	var requirements []bazaar.PaymentRequirement
	if cfg.EVMPayTo != "" {
		req := bazaar.PaymentRequirement{
			Scheme:            evm.SchemeExact,
			Rail:              bazaar.Rail(cfg.EVMRail),
			PayTo:             cfg.EVMPayTo,
			MaxTimeoutSeconds: cfg.TimeoutSeconds,
		}
		railCfg, err := evm.GetRailConfig(cfg.EVMRail)
		if err != nil {
			return nil, err
		}
		isDefault := cfg.EVMAsset == "" ||
			evm.NormalizeAddress(cfg.EVMAsset) == evm.NormalizeAddress(railCfg.DefaultAsset.Address)
		switch {
		case isDefault:
			req.Asset = railCfg.DefaultAsset.Address
			req.Amount = bazaargin.AmountToAssetUnits(price, railCfg.DefaultAsset.Decimals).String()
		case cfg.ChainRPCURL != "":
			// The rail table only knows the default asset; any other token's
			// decimals and signing domain come from the contract.
			md, err := lookupAssetMetadata(cfg.ChainRPCURL, cfg.EVMAsset)
			if err != nil {
				return nil, err
			}
			req.Asset = md.Address
			req.Amount = bazaargin.AmountToAssetUnits(price, md.Decimals).String()
			req.Extra = map[string]interface{}{"name": md.Name, "version": md.Version}
		default:
			return nil, fmt.Errorf("EVM_ASSET %s needs CHAIN_RPC_URL to read its metadata", cfg.EVMAsset)
		}
		requirements = append(requirements, req)
	}
	if cfg.SVMPayTo != "" {
		info, err := svm.GetAssetInfo(cfg.SVMRail, cfg.SVMAsset)
		if err != nil {
			return nil, err
		}
		requirements = append(requirements, bazaar.PaymentRequirement{
			Scheme:            svm.SchemeExact,
			Rail:              bazaar.Rail(cfg.SVMRail),
			Asset:             info.Mint,
			Amount:            bazaargin.AmountToAssetUnits(price, int(info.Decimals)).String(),
			PayTo:             cfg.SVMPayTo,
			MaxTimeoutSeconds: cfg.TimeoutSeconds,
		})
	}
	if cfg.HypercorePayTo != "" {
		info, err := hypercore.GetAssetInfo(cfg.HypercoreRail, cfg.HypercoreAsset)
		if err != nil {
			return nil, err
		}
		requirements = append(requirements, bazaar.PaymentRequirement{
			Scheme:            hypercore.SchemeExact,
			Rail:              bazaar.Rail(cfg.HypercoreRail),
			Asset:             info.Token,
			Amount:            bazaargin.AmountToAssetUnits(price, info.Decimals).String(),
			PayTo:             cfg.HypercorePayTo,
			MaxTimeoutSeconds: cfg.TimeoutSeconds,
		})
	}
	return requirements, nil
}

// lookupAssetMetadata reads the EIP-712 domain parameters and decimals for a
// token the rail tables do not cover.
func lookupAssetMetadata(rpcURL, asset string) (*tokenmetadata.TokenMetadata, error) {
	client, err := tokenmetadata.NewClient(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("token metadata: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	md, err := client.Lookup(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("token metadata: %w", err)
	}
	return md, nil
}
