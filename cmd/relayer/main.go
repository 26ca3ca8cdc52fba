package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veilbridge/relayer/internal/backoff"
	"github.com/veilbridge/relayer/internal/dest"
	"github.com/veilbridge/relayer/internal/operatorapi"
	"github.com/veilbridge/relayer/internal/proofarchive"
	"github.com/veilbridge/relayer/internal/prover"
	"github.com/veilbridge/relayer/internal/queue"
	"github.com/veilbridge/relayer/internal/reconciler"
	"github.com/veilbridge/relayer/internal/relay"
	relaypg "github.com/veilbridge/relayer/internal/relay/postgres"
	"github.com/veilbridge/relayer/internal/scheduler"
	"github.com/veilbridge/relayer/internal/secrets"
	"github.com/veilbridge/relayer/internal/source"
	"github.com/veilbridge/relayer/internal/submitter"
	"github.com/veilbridge/relayer/internal/watcher"
)

func main() {
	var (
		storeDriver = flag.String("store-driver", "postgres", "relay store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")

		sourceRPCURL  = flag.String("source-rpc-url", "", "source chain JSON-RPC URL (required)")
		sourceVault   = flag.String("source-vault-address", "", "source vault contract address (required)")
		startHeight   = flag.Uint64("start-height", 0, "first source height to scan when no checkpoint exists")
		confirmations = flag.Uint64("confirmations", 12, "reorg safety depth before a deposit is proven")
		scanBatch     = flag.Uint64("scan-batch", 500, "source heights scanned per ingestion pass")

		destRPCURL  = flag.String("dest-rpc-url", "", "destination chain JSON-RPC URL (required)")
		destChainID = flag.Uint64("dest-chain-id", 0, "destination EVM chain id (required)")
		destVault   = flag.String("dest-vault-address", "", "destination vault contract address (required)")
		destKeyName = flag.String("dest-key-secret", "RELAYER_DEST_PRIVATE_KEY", "secret name for the destination submission key (required)")
		minTipGwei  = flag.Int64("min-tip-gwei", 1, "minimum priority fee (gwei)")
		gasMult     = flag.Float64("gas-mult", 1.2, "gas limit multiplier when estimating")
		bumpPercent = flag.Int("bump-percent", 15, "replacement fee bump percentage")

		proverDriver     = flag.String("prover-driver", "queue", "prover driver: queue|static")
		circuit          = flag.String("circuit", "deposit-inclusion-v1", "proving circuit requests are routed to")
		proofReqTopic    = flag.String("proof-request-topic", "relay.proof.requests.v1", "proof request topic")
		proofResTopic    = flag.String("proof-result-topic", "relay.proof.results.v1", "proof result/failure topic")
		proofGroup       = flag.String("proof-response-group", "relayer-proofs", "proof response consumer group")
		proofTimeout     = flag.Duration("proof-timeout", 15*time.Minute, "per-job proof deadline")
		proofAttempts    = flag.Int("proof-max-attempts", 5, "proof retries per job before it is failed")
		proofInflight    = flag.Int("proof-max-inflight", 4, "concurrent proof requests")
		proofStaticBytes = flag.String("proof-static-hex", "0x99", "fixed proof hex returned when --prover-driver=static")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")
		alertTopic    = flag.String("alert-topic", "relay.alerts.v1", "operator alert topic; empty disables alert publication")

		submitAttempts  = flag.Int("submit-max-attempts", 5, "transient submission retries per job before it is failed")
		waitMined       = flag.Duration("wait-mined", 2*time.Minute, "how long a broadcast is polled before parking for reconciliation")
		receiptInterval = flag.Duration("receipt-poll-interval", 2*time.Second, "receipt poll interval")
		replaceAfter    = flag.Duration("replace-after", 30*time.Second, "replace an unmined submission after this long")

		reconcileGrace    = flag.Duration("reconcile-grace", 5*time.Minute, "age before a pending submission is swept")
		reconcileInterval = flag.Duration("reconcile-interval", time.Minute, "reconcile sweep interval")
		alertAfter        = flag.Duration("alert-after", time.Minute, "age before a failed job is alerted")

		archiveDriver = flag.String("archive-driver", "off", "proof archive driver: s3|memory|off")
		archiveBucket = flag.String("archive-bucket", "", "proof archive S3 bucket (required when --archive-driver=s3)")
		archivePrefix = flag.String("archive-prefix", "", "proof archive key prefix")

		listenAddr  = flag.String("listen", "", "operator API listen address; empty disables the API")
		apiTokenEnv = flag.String("api-auth-env", "RELAYER_API_AUTH_TOKEN", "secret name for the operator API bearer token")

		secretsDriver = flag.String("secrets-driver", "env", "secret provider: env|aws")

		owner        = flag.String("owner", "", "unique worker identity for claim leases (default: hostname-pid)")
		claimTTL     = flag.Duration("claim-ttl", time.Minute, "ttl for claimed jobs")
		pollInterval = flag.Duration("poll-interval", 2*time.Second, "idle poll interval for the worker loops")
		backoffBase  = flag.Duration("backoff-base", time.Second, "base retry backoff")
		backoffMax   = flag.Duration("backoff-max", time.Minute, "maximum retry backoff")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *sourceRPCURL == "" || *sourceVault == "" || *destRPCURL == "" || *destChainID == 0 || *destVault == "" {
		fmt.Fprintln(os.Stderr, "error: --source-rpc-url, --source-vault-address, --dest-rpc-url, --dest-chain-id, and --dest-vault-address are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*sourceVault) || !common.IsHexAddress(*destVault) {
		fmt.Fprintln(os.Stderr, "error: vault addresses must be valid hex addresses")
		os.Exit(2)
	}
	if *scanBatch == 0 || *proofAttempts <= 0 || *proofInflight <= 0 || *submitAttempts <= 0 {
		fmt.Fprintln(os.Stderr, "error: --scan-batch, --proof-max-attempts, --proof-max-inflight, and --submit-max-attempts must be > 0")
		os.Exit(2)
	}
	if *pollInterval <= 0 || *claimTTL <= 0 || *backoffBase <= 0 || *backoffMax <= 0 {
		fmt.Fprintln(os.Stderr, "error: --poll-interval, --claim-ttl, --backoff-base, and --backoff-max must be > 0")
		os.Exit(2)
	}

	workerOwner := strings.TrimSpace(*owner)
	if workerOwner == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "relayer"
		}
		workerOwner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	pol, err := backoff.New(*backoffBase, *backoffMax)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: backoff policy: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStartup()

	provider, err := secrets.New(startupCtx, *secretsDriver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: init secret provider: %v\n", err)
		os.Exit(2)
	}
	keyHex, err := provider.Get(startupCtx, *destKeyName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: resolve destination key: %v\n", err)
		os.Exit(2)
	}
	key, err := dest.ParsePrivateKeyHex(keyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse destination key: %v\n", err)
		os.Exit(2)
	}

	apiToken := ""
	if *listenAddr != "" {
		apiToken, err = provider.Get(startupCtx, *apiTokenEnv)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: resolve operator API token: %v\n", err)
			os.Exit(2)
		}
	}

	var store relay.Store
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := relaypg.New(pool)
		if err != nil {
			log.Error("init relay store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(startupCtx); err != nil {
			log.Error("ensure relay schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	case "memory":
		store = relay.NewMemoryStore(time.Now)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	srcBackend, err := ethclient.DialContext(startupCtx, *sourceRPCURL)
	if err != nil {
		log.Error("dial source rpc", "err", err)
		os.Exit(1)
	}
	defer srcBackend.Close()
	src, err := source.NewEVMClient(srcBackend, common.HexToAddress(*sourceVault))
	if err != nil {
		log.Error("init source client", "err", err)
		os.Exit(2)
	}

	destBackend, err := ethclient.DialContext(startupCtx, *destRPCURL)
	if err != nil {
		log.Error("dial destination rpc", "err", err)
		os.Exit(1)
	}
	defer destBackend.Close()

	chainID := new(big.Int).SetUint64(*destChainID)
	gotChainID, err := destBackend.ChainID(startupCtx)
	if err != nil {
		log.Error("fetch destination chain id", "err", err)
		os.Exit(1)
	}
	if gotChainID.Cmp(chainID) != 0 {
		log.Error("destination chain id mismatch", "want", chainID.String(), "got", gotChainID.String())
		os.Exit(2)
	}

	minTipWei := new(big.Int).Mul(big.NewInt(*minTipGwei), big.NewInt(1_000_000_000))
	destClient, err := dest.NewEVMClient(destBackend, dest.NewLocalSigner(key), dest.EVMConfig{
		ChainID:                chainID,
		VaultAddress:           common.HexToAddress(*destVault),
		GasLimitMultiplier:     *gasMult,
		MinTipCap:              minTipWei,
		ReplacementBumpPercent: *bumpPercent,
		MinReplacementTipBump:  big.NewInt(1_000_000_000),
		MinReplacementFeeBump:  big.NewInt(1_000_000_000),
	})
	if err != nil {
		log.Error("init destination client", "err", err)
		os.Exit(2)
	}

	brokers := queue.SplitCommaList(*queueBrokers)

	proofClient, proofCleanup, err := newProverClient(ctx, proverClientConfig{
		driver:        *proverDriver,
		queueDriver:   *queueDriver,
		brokers:       brokers,
		requestTopic:  *proofReqTopic,
		resultTopic:   *proofResTopic,
		group:         *proofGroup,
		queueMaxBytes: *queueMaxBytes,
		maxLineBytes:  *maxLineBytes,
		ackTimeout:    *ackTimeout,
		proofTimeout:  *proofTimeout,
		staticHex:     *proofStaticBytes,
		log:           log,
	})
	if err != nil {
		log.Error("init prover client", "err", err)
		os.Exit(2)
	}
	defer proofCleanup()

	var alertProducer queue.Producer
	if *alertTopic != "" {
		alertProducer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: brokers,
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init alert producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = alertProducer.Close() }()
	}

	archive, err := newArchive(startupCtx, *archiveDriver, *archiveBucket, *archivePrefix)
	if err != nil {
		log.Error("init proof archive", "err", err)
		os.Exit(2)
	}

	w, err := watcher.New(watcher.Config{
		StartHeight:   *startHeight,
		Confirmations: *confirmations,
		BatchSize:     *scanBatch,
		PollInterval:  *pollInterval,
		Backoff:       pol,
	}, store, src, log)
	if err != nil {
		log.Error("init watcher", "err", err)
		os.Exit(2)
	}

	sched, err := scheduler.New(scheduler.Config{
		Circuit:       *circuit,
		Confirmations: *confirmations,
		Owner:         workerOwner,
		ClaimTTL:      *claimTTL,
		BatchSize:     2 * *proofInflight,
		MaxInflight:   *proofInflight,
		MaxAttempts:   *proofAttempts,
		ProofTimeout:  *proofTimeout,
		PollInterval:  *pollInterval,
		Backoff:       pol,
	}, store, src, proofClient, log)
	if err != nil {
		log.Error("init scheduler", "err", err)
		os.Exit(2)
	}

	sub, err := submitter.New(submitter.Config{
		Owner:               workerOwner,
		ClaimTTL:            *claimTTL,
		BatchSize:           8,
		MaxAttempts:         *submitAttempts,
		WaitMined:           *waitMined,
		ReceiptPollInterval: *receiptInterval,
		ReplaceAfter:        *replaceAfter,
		PollInterval:        *pollInterval,
		Backoff:             pol,
		Archive:             archive,
	}, store, destClient, log)
	if err != nil {
		log.Error("init submitter", "err", err)
		os.Exit(2)
	}

	rec, err := reconciler.New(reconciler.Config{
		Grace:      *reconcileGrace,
		AlertAfter: *alertAfter,
		AlertTopic: *alertTopic,
		Archive:    archive,
		Interval:   *reconcileInterval,
	}, store, destClient, alertProducer, log)
	if err != nil {
		log.Error("init reconciler", "err", err)
		os.Exit(2)
	}

	log.Info("relayer started",
		"owner", workerOwner,
		"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
		"sourceVault", *sourceVault,
		"destVault", *destVault,
		"destChainID", *destChainID,
		"confirmations", *confirmations,
		"proverDriver", *proverDriver,
		"queueDriver", *queueDriver,
		"archiveDriver", *archiveDriver,
		"listen", *listenAddr,
	)

	errCh := make(chan error, 8)
	go func() { errCh <- runWorker(ctx, "watcher", w.Run, log) }()
	go func() { errCh <- runWorker(ctx, "scheduler", sched.Run, log) }()
	go func() { errCh <- runWorker(ctx, "submitter", sub.Run, log) }()
	go func() { errCh <- runWorker(ctx, "reconciler", rec.Run, log) }()

	var srv *http.Server
	if *listenAddr != "" {
		handler, err := operatorapi.NewHandler(operatorapi.Config{
			AuthToken: apiToken,
		}, store, rec)
		if err != nil {
			log.Error("init operator api", "err", err)
			os.Exit(2)
		}
		srv = &http.Server{
			Addr:              *listenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       time.Minute,
			MaxHeaderBytes:    1 << 20,
		}
		go func() {
			log.Info("operator api listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Error("worker exited", "err", err)
			exitCode = 1
		}
	}
	stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	os.Exit(exitCode)
}

// runWorker keeps the exit reason attributable; a worker returning a
// cancellation error during shutdown is not a failure.
func runWorker(ctx context.Context, name string, run func(context.Context) error, log *slog.Logger) error {
	err := run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Info("worker stopped", "worker", name)
	return nil
}

type proverClientConfig struct {
	driver        string
	queueDriver   string
	brokers       []string
	requestTopic  string
	resultTopic   string
	group         string
	queueMaxBytes int
	maxLineBytes  int
	ackTimeout    time.Duration
	proofTimeout  time.Duration
	staticHex     string
	log           *slog.Logger
}

func newProverClient(ctx context.Context, cfg proverClientConfig) (prover.Client, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.driver)) {
	case "queue":
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  cfg.queueDriver,
			Brokers: cfg.brokers,
			Writer:  os.Stdout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("proof producer: %w", err)
		}
		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:        cfg.queueDriver,
			Brokers:       cfg.brokers,
			Group:         cfg.group,
			Topics:        []string{cfg.resultTopic},
			KafkaMaxBytes: cfg.queueMaxBytes,
			Reader:        os.Stdin,
			MaxLineBytes:  cfg.maxLineBytes,
		})
		if err != nil {
			_ = producer.Close()
			return nil, nil, fmt.Errorf("proof consumer: %w", err)
		}
		client, err := prover.NewQueueClient(prover.QueueConfig{
			RequestTopic:    cfg.requestTopic,
			ResultTopic:     cfg.resultTopic,
			Producer:        producer,
			Consumer:        consumer,
			AckTimeout:      cfg.ackTimeout,
			DefaultDeadline: cfg.proofTimeout,
			Log:             cfg.log,
		})
		if err != nil {
			_ = producer.Close()
			_ = consumer.Close()
			return nil, nil, err
		}
		cleanup := func() {
			_ = producer.Close()
			_ = consumer.Close()
		}
		return client, cleanup, nil
	case "static":
		proof, err := decodeHexFlag(cfg.staticHex)
		if err != nil {
			return nil, nil, fmt.Errorf("parse --proof-static-hex: %w", err)
		}
		return &prover.StaticClient{Result: prover.Result{Proof: proof}}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported --prover-driver %q", cfg.driver)
	}
}

func newArchive(ctx context.Context, driver, bucket, prefix string) (proofarchive.Archive, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "off", "":
		return nil, nil
	case proofarchive.DriverMemory:
		return proofarchive.New(proofarchive.Config{Driver: proofarchive.DriverMemory})
	case proofarchive.DriverS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return proofarchive.New(proofarchive.Config{
			Driver:   proofarchive.DriverS3,
			Bucket:   bucket,
			Prefix:   prefix,
			S3Client: awss3.NewFromConfig(awsCfg),
		})
	default:
		return nil, fmt.Errorf("unsupported --archive-driver %q", driver)
	}
}

func decodeHexFlag(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return nil, fmt.Errorf("empty hex value")
	}
	return hex.DecodeString(s)
}
