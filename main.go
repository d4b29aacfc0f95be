package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/reelfed/activitypub"
	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/domain"
	"github.com/deemkeen/reelfed/identity"
	"github.com/deemkeen/reelfed/queue"
	"github.com/deemkeen/reelfed/util"
	"github.com/deemkeen/reelfed/web"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const instanceKeyFile = "instance_key.pem"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF79C6"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Width(12)
	valueStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#FF79C6")).Padding(0, 1)
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "reelfed",
		Short:        "Federation core of a short-video platform",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		sweepCmd(),
		statsCmd(),
		identityCmd(),
		tasksCmd(),
		publishCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

// app holds every wired component; commands build one and close it when done.
type app struct {
	conf      *util.AppConfig
	log       *zap.Logger
	db        *db.DB
	codec     *activitypub.Codec
	keys      *identity.KeyManager
	delivery  *activitypub.DeliveryManager
	queue     *queue.Queue
	processor *activitypub.Processor
}

func newApp() (*app, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(conf.Conf.LogLevel)

	mediaDir, err := util.ResolveDir(conf.Conf.MediaDir)
	if err != nil {
		return nil, err
	}
	conf.Conf.MediaDir = mediaDir
	dbPath := util.ResolveFilePath(conf.Conf.DbPath)

	database, err := db.Open(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	instanceKey, err := identity.LoadOrCreateInstanceKey(filepath.Join(filepath.Dir(dbPath), instanceKeyFile), logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	codec := activitypub.NewCodec(conf.Conf.InstanceUrl, mediaDir, logger)
	keys := identity.NewKeyManager(database, codec, instanceKey, logger)
	delivery := activitypub.NewDeliveryManager(database, codec, keys, activitypub.DeliveryConfig{
		Timeout:        conf.DeliveryTimeout(),
		Interval:       conf.DeliveryInterval(),
		BatchSize:      conf.Conf.DeliveryBatchSize,
		Concurrency:    conf.Conf.DeliveryConcurrency,
		MaxAttempts:    conf.Conf.DeliveryMaxAttempts,
		RetryDelays:    conf.RetryDelays(),
		PermanentOn4xx: conf.Conf.PermanentOn4xx,
	}, logger)
	keys.SetPublisher(delivery)

	q := queue.New(database, logger)
	processor := activitypub.NewProcessor(activitypub.ProcessorDeps{
		DB:                  database,
		Codec:               codec,
		Keys:                keys,
		Actors:              activitypub.NewActorFetcher(database, conf.ActorFetchTimeout(), logger),
		Downloader:          activitypub.NewDownloader(mediaDir, conf.MaxDownloadBytes(), &http.Client{Timeout: conf.DownloadTimeout()}, logger),
		Queue:               q,
		Index:               queue.NewEmbeddingIndex(q),
		Outbox:              delivery,
		MaxVideoDurationSec: conf.Conf.MaxVideoDurationSec,
		Logger:              logger,
	})

	return &app{
		conf:      conf,
		log:       logger,
		db:        database,
		codec:     codec,
		keys:      keys,
		delivery:  delivery,
		queue:     q,
		processor: processor,
	}, nil
}

func (a *app) Close() {
	a.db.Close()
	a.log.Sync()
}

func setupLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if a.conf.Conf.LogLevel != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			a.log.Debug("Configuration loaded", zap.String("config", util.PrettyPrint(a.conf)))
			if a.conf.Conf.AdminToken == "" {
				a.log.Warn("Admin token is empty, admin API is disabled")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := web.NewServer(web.Deps{
				Conf:      a.conf,
				DB:        a.db,
				Codec:     a.codec,
				Processor: a.processor,
				Delivery:  a.delivery,
				Keys:      a.keys,
				Logger:    a.log,
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.delivery.Run(ctx)
				return nil
			})
			g.Go(func() error {
				return server.Run(ctx)
			})
			err = g.Wait()
			a.log.Info("Shutdown complete")
			return err
		},
	}
}

func sweepCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Attempt all due deliveries once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.delivery.DeliverNow(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render("✓") + fmt.Sprintf(" attempted %d deliveries", n))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall sweep deadline")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <activity-id|activity-uri>",
		Short: "Show delivery state of a local activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.delivery.StatsByURI(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(renderStats(args[0], stats))
			return nil
		},
	}
}

func renderStats(ref string, s domain.DeliveryStats) string {
	row := func(label string, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}
	failed := valueStyle.Render(strconv.Itoa(s.Failed))
	if s.Failed > 0 {
		failed = errStyle.Render(strconv.Itoa(s.Failed))
	}
	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Deliveries"),
		row("activity", ref),
		row("total", valueStyle.Render(strconv.Itoa(s.Total))),
		row("delivered", okStyle.Render(strconv.Itoa(s.Delivered))),
		row("pending", warnStyle.Render(strconv.Itoa(s.Pending))),
		row("failed", failed),
	)
	return panelStyle.Render(body)
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage self-certifying identities",
	}

	var password string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create (or show) the identity of a local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("REELFED_IDENTITY_PASSWORD")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			km, err := a.keys.CreateIdentity(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Println(panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
				titleStyle.Render("Identity of "+km.OwnerUser),
				lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("identifier"), valueStyle.Render(km.Identifier)),
				lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("instance"), km.CurrentInstanceURL),
				lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("migration"), string(km.MigrationStatus)),
			)))
			return nil
		},
	}
	create.Flags().StringVarP(&password, "password", "p", "", "password protecting the private key (or REELFED_IDENTITY_PASSWORD)")

	cmd.AddCommand(create)
	return cmd
}

func tasksCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks [kind]",
		Short: "List pending worker tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := ""
			if len(args) == 1 {
				kind = args[0]
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.queue.Pending(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println(okStyle.Render("no pending tasks"))
				return nil
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#44475A"))).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return titleStyle.Padding(0, 1)
					}
					return lipgloss.NewStyle().Padding(0, 1)
				}).
				Headers("ID", "KIND", "CREATED", "PAYLOAD")
			for _, task := range tasks {
				t.Row(task.Id.String(), task.Kind, task.CreatedAt.Format(time.RFC3339), util.Truncate(task.Payload, 60))
			}
			fmt.Println(t)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of tasks")
	return cmd
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <video-id>",
		Short: "Announce a ready local video to its owner's followers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid video id: %w", err)
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			v, err := a.db.ReadVideoById(ctx, id)
			if err != nil {
				return err
			}
			actor := a.codec.UserURI(v.OwnerUser)
			if km, err := a.keys.Identity(ctx, v.OwnerUser); err == nil {
				actor = km.Identifier
			}

			activity, err := a.delivery.PublishVideo(ctx, v, actor)
			if err != nil {
				return err
			}
			stats, err := a.delivery.Stats(ctx, activity.Id)
			if err != nil {
				return err
			}
			fmt.Println(renderStats(activity.ActivityURI, stats))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(util.GetNameAndVersion())
		},
	}
}
