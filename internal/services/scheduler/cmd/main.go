package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/config"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/services/scheduler/app"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/storage"
	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/tankmap"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "fertigation",
	Short:        "Greenhouse fertigation scheduler",
	Long:         "Publishes fertigation schedules to tunnel controllers over MQTT.",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP trigger surface and the optional daily dispatch",
	RunE:  runServe,
}

var dispatchDay string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Publish every pending schedule of a day",
	RunE:  runDispatch,
}

var publishCmd = &cobra.Command{
	Use:   "publish <schedule-id>",
	Short: "Publish one schedule now",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Override a single release on its controller",
}

var releaseCancelCmd = &cobra.Command{
	Use:   "cancel <schedule-id> <index>",
	Short: "Neutralize a pending release (index 0..2)",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return runRelease(cmd, args, model.ActionCancel) },
}

var releaseRunCmd = &cobra.Command{
	Use:   "run <schedule-id> <index>",
	Short: "Execute a release immediately (index 0..2)",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return runRelease(cmd, args, model.ActionRun) },
}

var tanksCmd = &cobra.Command{
	Use:   "tanks",
	Short: "Inspect and edit tank slots",
}

var tanksListCmd = &cobra.Command{
	Use:   "list [tunnel-id]",
	Short: "List tank slots of one tunnel or of every tunnel",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTanksList,
}

var tanksSetCmd = &cobra.Command{
	Use:   "set <tunnel-id> <slot> <water|fertilizer> [item-id]",
	Short: "Assign a slot; an item already in another slot is moved",
	Args:  cobra.RangeArgs(3, 4),
	RunE:  runTanksSet,
}

var tanksClearCmd = &cobra.Command{
	Use:   "clear <tunnel-id> <slot>",
	Short: "Empty a slot",
	Args:  cobra.ExactArgs(2),
	RunE:  runTanksClear,
}

var importCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Load items, tunnels, tanks and schedules from a seed file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fertigation %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FERTIGATION_CONFIG"), "path to config file")
	dispatchCmd.Flags().StringVar(&dispatchDay, "day", "", "day to dispatch (YYYY-MM-DD), today when empty")

	releaseCmd.AddCommand(releaseCancelCmd, releaseRunCmd)
	tanksCmd.AddCommand(tanksListCmd, tanksSetCmd, tanksClearCmd)
	rootCmd.AddCommand(serveCmd, dispatchCmd, publishCmd, releaseCmd, tanksCmd, importCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadEngine() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newEngine(cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := loadEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := e.connect(ctx); err != nil {
		// publishes retry the connection; readiness reports it meanwhile
		e.logger.Printf("serve: %v", err)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(e.cfg.HTTP.Port),
		Handler:           e.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.logger.Printf("fertigation %s listening on %s", version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	if at := e.cfg.Dispatcher.DailyAt; at != "" {
		g.Go(func() error { return app.RunDaily(gctx, e.dispatcher, at, e.loc, e.logger) })
	}

	err = g.Wait()
	e.logger.Println("serve: shutdown complete")
	return err
}

func runDispatch(cmd *cobra.Command, args []string) error {
	e, err := loadEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	day := time.Now().In(e.loc)
	if dispatchDay != "" {
		if day, err = time.ParseInLocation(model.ScheduleDateLayout, dispatchDay, e.loc); err != nil {
			return fmt.Errorf("bad --day %q: %w", dispatchDay, err)
		}
	}

	ctx, stop := signalContext()
	defer stop()
	if err := e.connect(ctx); err != nil {
		return err
	}

	sum, err := e.dispatcher.RunDay(ctx, day)
	printJSON(sum)
	if err != nil {
		return err
	}
	if sum.Failed > 0 || sum.PersistenceErrors > 0 {
		return fmt.Errorf("%d failed, %d status writes lost", sum.Failed, sum.PersistenceErrors)
	}
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad schedule id %q", args[0])
	}
	e, err := loadEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()
	if err := e.connect(ctx); err != nil {
		return err
	}

	res, err := e.dispatcher.PublishOne(ctx, id)
	printTopics(res.Topics)
	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if err != nil {
		return err
	}
	if !res.OverallSuccess {
		return fmt.Errorf("schedule %d: %d topics failed", id, len(res.Failed()))
	}
	return nil
}

func runRelease(cmd *cobra.Command, args []string, action model.ReleaseAction) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad schedule id %q", args[0])
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad release index %q", args[1])
	}
	e, err := loadEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	var res model.ReleaseActionResult
	if action == model.ActionCancel {
		res, err = e.releases.Cancel(ctx, id, index)
	} else {
		res, err = e.releases.RunNow(ctx, id, index)
	}
	if err != nil {
		return err
	}
	printTopics(res.Topics)
	fmt.Println(res.Message)
	if !res.Success {
		return errors.New("release command partially failed")
	}
	return nil
}

// storeCmd backs the commands that only touch the database.
type storeCmd struct {
	db  *storage.DB
	loc *time.Location

	// prefixTanks mirrors publisher.prefix_tank_topics for listings.
	prefixTanks bool
}

func withStore(fn func(ctx context.Context, e *storeCmd) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	return fn(context.Background(), &storeCmd{db: db, loc: loc, prefixTanks: cfg.Publisher.PrefixTankTopics})
}

func runTanksList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, s *storeCmd) error {
		var ids []int64
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad tunnel id %q", args[0])
			}
			ids = append(ids, id)
		} else {
			tunnels, err := s.db.Tunnels(ctx)
			if err != nil {
				return err
			}
			for _, t := range tunnels {
				ids = append(ids, t.ID)
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TUNNEL\tDEVICE\tSLOT\tTOPIC\tCONTENT\tITEM")
		for _, id := range ids {
			t, err := s.db.Tunnel(ctx, id)
			if err != nil {
				return err
			}
			tcs, err := s.db.TankConfigurations(ctx, id)
			if err != nil {
				return err
			}
			for _, tc := range tcs {
				item := "-"
				if tc.ItemID != 0 {
					item = strconv.FormatInt(tc.ItemID, 10)
				}
				topic := tankmap.SlotToTopic(tc.Slot)
				if s.prefixTanks {
					topic = model.TankTopic(t.DeviceAddress, topic)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.DeviceAddress, tc.Slot,
					topic, tc.Content, item)
			}
		}
		return w.Flush()
	})
}

func runTanksSet(cmd *cobra.Command, args []string) error {
	tunnelID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad tunnel id %q", args[0])
	}
	tc := model.TankConfiguration{
		TunnelID: tunnelID,
		Slot:     model.TankSlot(args[1]),
		Content:  model.TankContent(args[2]),
	}
	if len(args) == 4 {
		if tc.ItemID, err = strconv.ParseInt(args[3], 10, 64); err != nil {
			return fmt.Errorf("bad item id %q", args[3])
		}
	}
	return withStore(func(ctx context.Context, s *storeCmd) error {
		if err := s.db.UpsertTankConfiguration(ctx, tc); err != nil {
			return err
		}
		log.Printf("tunnel %d slot %s set to %s", tc.TunnelID, tc.Slot, tc.Content)
		return nil
	})
}

func runTanksClear(cmd *cobra.Command, args []string) error {
	tunnelID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad tunnel id %q", args[0])
	}
	return withStore(func(ctx context.Context, s *storeCmd) error {
		return s.db.ClearTankConfiguration(ctx, tunnelID, model.TankSlot(args[1]))
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	return withStore(func(ctx context.Context, s *storeCmd) error {
		stats, err := s.db.Import(ctx, f, s.loc)
		fmt.Printf("imported %d items, %d tunnels, %d tanks, %d schedules\n",
			stats.Items, stats.Tunnels, stats.Tanks, stats.Schedules)
		return err
	})
}

func printTopics(topics []model.TopicResult) {
	if len(topics) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOPIC\tPAYLOAD\tOK\tERROR")
	for _, t := range topics {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", t.Topic, t.Payload, t.Success, t.Error)
	}
	_ = w.Flush()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
