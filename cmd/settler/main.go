package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/d1c-labs/settler/pkg/burnperiod"
	"github.com/d1c-labs/settler/pkg/chain"
	"github.com/d1c-labs/settler/pkg/distributor"
	"github.com/d1c-labs/settler/pkg/fees"
	"github.com/d1c-labs/settler/pkg/harvester"
	"github.com/d1c-labs/settler/pkg/joblog"
	"github.com/d1c-labs/settler/pkg/ledger"
	"github.com/d1c-labs/settler/pkg/logger"
	"github.com/d1c-labs/settler/pkg/metrics"
	"github.com/d1c-labs/settler/pkg/postgres"
	"github.com/d1c-labs/settler/pkg/scheduler"
	"github.com/d1c-labs/settler/pkg/server"
	"github.com/d1c-labs/settler/pkg/wallets"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Postgres configuration
	postgresConnFlag := flag.String("postgres-conn", "", "Postgres connection string (or set SETTLER_POSTGRES_CONN env var)")
	migrateFlag := flag.Bool("migrate", true, "Run database migrations on startup")

	// Solana configuration
	rpcURLFlag := flag.String("rpc-url", solanarpc.MainNetBeta_RPC, "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	mintFlag := flag.String("mint", "", "Token-2022 mint address (or set SETTLER_MINT env var)")
	withdrawKeypairFlag := flag.String("withdraw-authority-keypair", "", "Withdraw authority keypair as a JSON byte array (or set SETTLER_WITHDRAW_AUTHORITY_KEYPAIR env var)")
	custodyKeypairFlag := flag.String("custody-keypair", "", "Custody wallet keypair as a JSON byte array (or set SETTLER_CUSTODY_KEYPAIR env var)")
	mintAuthorityKeypairFlag := flag.String("mint-authority-keypair", "", "Mint authority keypair as a JSON byte array, only needed for mint-mode payouts (or set SETTLER_MINT_AUTHORITY_KEYPAIR env var)")

	// Fee policy
	defaultPolicy := fees.DefaultPolicy()
	collegePctFlag := flag.Uint64("college-pct-bps", uint64(defaultPolicy.CollegePct), "College share of each transfer in basis points")
	burnPctFlag := flag.Uint64("burn-pct-bps", uint64(defaultPolicy.BurnPct), "Burn share of each transfer in basis points")
	opsPctFlag := flag.Uint64("ops-pct-bps", uint64(defaultPolicy.OpsPct), "Operations share of each transfer in basis points")
	burnCapFlag := flag.Uint64("annual-burn-cap-tokens", defaultPolicy.AnnualBurnCap/fees.OneToken, "Maximum tokens burned per rolling year")

	// Distribution
	communityWalletFlag := flag.String("community-wallet", "", "Fallback wallet for transfers with no linked college (or set SETTLER_COMMUNITY_WALLET env var)")
	payoutModeFlag := flag.String("payout-mode", string(distributor.PayoutTransfer), "Payout mode: transfer (from custody) or mint")
	payoutConcurrencyFlag := flag.Int("payout-concurrency", 4, "Maximum concurrent payout submissions")

	// Scheduler
	schedulerEnabledFlag := flag.Bool("scheduler-enabled", false, "Enable the periodic settlement loop (or set SETTLER_SCHEDULER_ENABLED=true env var)")
	intervalFlag := flag.Duration("interval", time.Hour, "Interval between scheduled settlement runs")
	healthIntervalFlag := flag.Duration("health-interval", time.Minute, "Interval between backlog gauge refreshes")

	// HTTP server
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set SETTLER_LISTEN_ADDR env var)")
	authTokenFlag := flag.String("auth-token", "", "Bearer token protecting the /api routes (or set SETTLER_AUTH_TOKEN env var)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if env := os.Getenv("SETTLER_POSTGRES_CONN"); env != "" {
		*postgresConnFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("SETTLER_MINT"); env != "" {
		*mintFlag = env
	}
	if env := os.Getenv("SETTLER_WITHDRAW_AUTHORITY_KEYPAIR"); env != "" {
		*withdrawKeypairFlag = env
	}
	if env := os.Getenv("SETTLER_CUSTODY_KEYPAIR"); env != "" {
		*custodyKeypairFlag = env
	}
	if env := os.Getenv("SETTLER_MINT_AUTHORITY_KEYPAIR"); env != "" {
		*mintAuthorityKeypairFlag = env
	}
	if env := os.Getenv("SETTLER_COMMUNITY_WALLET"); env != "" {
		*communityWalletFlag = env
	}
	if os.Getenv("SETTLER_SCHEDULER_ENABLED") == "true" {
		*schedulerEnabledFlag = true
	}
	if env := os.Getenv("SETTLER_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("SETTLER_AUTH_TOKEN"); env != "" {
		*authTokenFlag = env
	}

	if *postgresConnFlag == "" {
		return fmt.Errorf("--postgres-conn is required")
	}
	if *mintFlag == "" {
		return fmt.Errorf("--mint is required")
	}
	if *withdrawKeypairFlag == "" {
		return fmt.Errorf("--withdraw-authority-keypair is required")
	}
	if *custodyKeypairFlag == "" {
		return fmt.Errorf("--custody-keypair is required")
	}

	policy := fees.Policy{
		CollegePct:    fees.Percent(*collegePctFlag),
		BurnPct:       fees.Percent(*burnPctFlag),
		OpsPct:        fees.Percent(*opsPctFlag),
		AnnualBurnCap: *burnCapFlag * fees.OneToken,
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid fee policy: %w", err)
	}

	mint, err := solana.PublicKeyFromBase58(*mintFlag)
	if err != nil {
		return fmt.Errorf("invalid mint address: %w", err)
	}
	withdrawAuthority, err := chain.PrivateKeyFromJSON(*withdrawKeypairFlag)
	if err != nil {
		return fmt.Errorf("invalid withdraw authority keypair: %w", err)
	}
	custody, err := chain.PrivateKeyFromJSON(*custodyKeypairFlag)
	if err != nil {
		return fmt.Errorf("invalid custody keypair: %w", err)
	}
	var mintAuthority solana.PrivateKey
	if *mintAuthorityKeypairFlag != "" {
		mintAuthority, err = chain.PrivateKeyFromJSON(*mintAuthorityKeypairFlag)
		if err != nil {
			return fmt.Errorf("invalid mint authority keypair: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, postgres.Config{
		Logger:        log,
		ConnStr:       *postgresConnFlag,
		RunMigrations: *migrateFlag,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	custodyAddress := custody.PublicKey().String()

	walletStore, err := wallets.NewStore(wallets.StoreConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return err
	}
	if err := walletStore.Put(ctx, wallets.Wallet{
		Role:      wallets.RoleCustody,
		Address:   custodyAddress,
		FeeExempt: true,
	}); err != nil {
		return fmt.Errorf("failed to register custody wallet: %w", err)
	}
	if *communityWalletFlag != "" {
		if err := walletStore.Put(ctx, wallets.Wallet{
			Role:    wallets.RoleCommunity,
			Address: *communityWalletFlag,
		}); err != nil {
			return fmt.Errorf("failed to register community wallet: %w", err)
		}
	}

	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{
		Logger:             log,
		Pool:               pool,
		ExcludeFromAddress: custodyAddress,
	})
	if err != nil {
		return err
	}

	jobLog, err := joblog.NewStore(joblog.StoreConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return err
	}

	chainClient, err := chain.NewRPCClient(chain.RPCConfig{
		Logger:            log,
		RPC:               solanarpc.New(*rpcURLFlag),
		Mint:              mint,
		WithdrawAuthority: withdrawAuthority,
		Custody:           custody,
		MintAuthority:     mintAuthority,
	})
	if err != nil {
		return err
	}

	tracker, err := burnperiod.NewTracker(burnperiod.Config{
		Logger:        log,
		Pool:          pool,
		AnnualBurnCap: policy.AnnualBurnCap,
	})
	if err != nil {
		return err
	}

	harv, err := harvester.New(harvester.Config{
		Logger:  log,
		Ledger:  ledgerStore,
		Wallets: walletStore,
		Chain:   chainClient,
	})
	if err != nil {
		return err
	}

	dist, err := distributor.New(distributor.Config{
		Logger:         log,
		Ledger:         ledgerStore,
		Wallets:        walletStore,
		Tracker:        tracker,
		Chain:          chainClient,
		Policy:         policy,
		Mode:           distributor.PayoutMode(*payoutModeFlag),
		MaxConcurrency: *payoutConcurrencyFlag,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Logger:         log,
		Harvester:      harv,
		Distributor:    dist,
		JobLog:         jobLog,
		Ledger:         ledgerStore,
		Enabled:        *schedulerEnabledFlag,
		Interval:       *intervalFlag,
		HealthInterval: *healthIntervalFlag,
	})
	if err != nil {
		return err
	}
	sched.Start(ctx)

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  *listenAddrFlag,
		Harvester:   harv,
		Distributor: dist,
		Runner:      sched,
		Ledger:      ledgerStore,
		JobLog:      jobLog,
		AuthToken:   *authTokenFlag,
	})
	if err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	log.Info("settler starting",
		"version", version,
		"mint", mint.String(),
		"custody", custodyAddress,
		"scheduler_enabled", *schedulerEnabledFlag,
		"payout_mode", *payoutModeFlag)

	return srv.Run(ctx)
}
