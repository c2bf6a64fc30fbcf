package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/comfyq/comfyq/internal/batch"
	"github.com/comfyq/comfyq/internal/comfy"
	"github.com/comfyq/comfyq/internal/core"
	"github.com/comfyq/comfyq/internal/remote"
	"github.com/comfyq/comfyq/internal/sched"
	"github.com/comfyq/comfyq/internal/telemetry"
	"github.com/comfyq/comfyq/internal/vast"
	"github.com/comfyq/comfyq/internal/workflow"
	"github.com/comfyq/comfyq/pkg/api"
)

// Resolve configuration from the --config flag or default location
func resolveConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// Run a batch of workflows through the queue
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit all source batches through the queue and collect results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			batches, err := batch.EnsureSourceLayout(cfg.Source.Root, cfg.Source.Subdirs)
			if err != nil {
				return err
			}
			base, err := workflow.Load(cfg.Workflow.File)
			if err != nil {
				return err
			}

			schedCfg := cfg.SchedulerSettings()
			tasks, err := buildTasks(cfg, base, batches, schedCfg.RetryBudget)
			if err != nil {
				return err
			}
			if dryRun {
				for _, t := range tasks {
					fmt.Printf("would submit %s\n", t.Name)
				}
				return nil
			}

			telemetry.InitGlobal(true)
			client := comfy.NewClient(cfg.Comfy.ResolveBaseURL())
			if cfg.Comfy.Dir != "" {
				lc := comfy.LaunchConfig{
					Dir:       cfg.Comfy.Dir,
					Host:      cfg.Comfy.Host,
					Port:      cfg.Comfy.Port,
					StartArgs: strings.Join(cfg.Comfy.StartArgs, " "),
				}
				if err := comfy.EnsureUp(cmd.Context(), client, lc, 2*time.Minute); err != nil {
					return err
				}
			}

			var store *core.Store
			var runID int64
			if cfg.Store.Path != "" {
				store, err = core.NewStore(cfg.Store.Path)
				if err != nil {
					return err
				}
				defer store.Close()
				runID, err = store.BeginRun(cmd.Context(), len(tasks))
				if err != nil {
					return err
				}
			}

			s := sched.New(client, schedCfg, sched.LogObserver{Logger: log.Logger})
			started := time.Now()
			results := s.Run(cmd.Context(), tasks)
			telemetry.TimerGlobal("comfyq_run", time.Since(started), nil)

			agg := sched.NewAggregator()
			for _, r := range results {
				agg.Add(r)
				if store != nil {
					o := api.TaskOutcome{
						RunID:    runID,
						Name:     r.Task.Name,
						Handle:   r.Handle,
						Attempts: r.Task.Attempts(),
					}
					if r.Err != nil {
						o.Error = r.Err.Error()
					}
					if err := store.RecordOutcome(cmd.Context(), o); err != nil {
						log.Warn().Err(err).Str("task", r.Task.Name).Msg("journal write failed")
					}
				}
			}
			sum := agg.Summary()
			if store != nil {
				if err := store.FinishRun(cmd.Context(), runID, sum.Succeeded, sum.Failed); err != nil {
					log.Warn().Err(err).Msg("journal finalize failed")
				}
			}
			telemetry.GetGlobal().Flush()
			fmt.Printf("done: %d total, %d succeeded, %d failed\n", sum.Total, sum.Succeeded, sum.Failed)
			for _, r := range agg.Results() {
				if r.Err != nil {
					fmt.Printf("  FAIL %s: %v\n", r.Task.Name, r.Err)
				}
			}
			if sum.Failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", sum.Failed, sum.Total)
			}
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "validate layout and workflow patching without submitting")
	return cmd
}

// buildTasks turns the source batches into scheduler tasks: one task per
// batch, or one per image chunk when source.chunk_size is set. Each task gets
// its own patched workflow clone, with a sink appended via workflow.sink_from
// so the backend always records a terminal status.
func buildTasks(cfg core.Config, base workflow.Workflow, batches []string, budget int) ([]*sched.Task, error) {
	tasks := make([]*sched.Task, 0, len(batches))
	for _, name := range batches {
		batchDir := filepath.Join(cfg.Source.Root, name)
		chunks := [][]string{nil}
		if cfg.Source.ChunkSize > 0 {
			imgDir := batchDir
			if len(cfg.Source.Subdirs) > 0 {
				imgDir = filepath.Join(batchDir, cfg.Source.Subdirs[0])
			}
			images, err := batch.ListImages(imgDir, false)
			if err != nil {
				return nil, fmt.Errorf("list images for batch %s: %w", name, err)
			}
			chunks = batch.Chunk(images, cfg.Source.ChunkSize)
			if len(chunks) == 0 {
				continue
			}
		}
		for i, chunk := range chunks {
			taskName := name
			if cfg.Source.ChunkSize > 0 {
				taskName = fmt.Sprintf("%s-%02d", name, i+1)
			}
			wf, err := base.Clone()
			if err != nil {
				return nil, err
			}
			vars := map[string]string{
				"batch": batchDir,
				"name":  taskName,
			}
			if chunk != nil {
				vars["images"] = strings.Join(chunk, ",")
			}
			if err := wf.PatchByMap(expandMapping(cfg.Workflow.Mappings, vars)); err != nil {
				return nil, fmt.Errorf("patch workflow for %s: %w", taskName, err)
			}
			if cfg.Workflow.SinkFrom != "" {
				wf.EnsureSink(cfg.Workflow.SinkFrom)
			}
			if !wf.HasSink() {
				log.Warn().Str("task", taskName).Msg("workflow has no output sink; completion may never be observed")
			}
			tasks = append(tasks, sched.NewTask(taskName, wf, budget))
		}
	}
	return tasks, nil
}

// expandMapping substitutes {key} placeholders in string values so per-batch
// paths can be spliced into the patch map.
func expandMapping(mapping map[string]any, vars map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))
	for k, v := range mapping {
		out[k] = expandValue(v, vars)
	}
	return out
}

func expandValue(v any, vars map[string]string) any {
	switch t := v.(type) {
	case string:
		for k, val := range vars {
			t = strings.ReplaceAll(t, "{"+k+"}", val)
		}
		return t
	case map[string]any:
		return expandMapping(t, vars)
	default:
		return v
	}
}

// Check backend and journal health
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the backend answers and the journal opens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			client := comfy.NewClient(cfg.Comfy.ResolveBaseURL())
			if client.Alive(cmd.Context()) {
				fmt.Printf("backend ok: %s\n", client.BaseURL())
			} else {
				fmt.Printf("backend unreachable: %s\n", client.BaseURL())
			}
			if cfg.Store.Path != "" {
				store, err := core.NewStore(cfg.Store.Path)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Ping(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("journal ok: %s\n", cfg.Store.Path)
			}
			return nil
		},
	}
}

// Start the local backend if it is down
func newUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the local backend and wait until it answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Comfy.Dir == "" {
				return fmt.Errorf("comfy.dir not configured")
			}
			waitSec, _ := cmd.Flags().GetInt("wait")
			client := comfy.NewClient(cfg.Comfy.ResolveBaseURL())
			lc := comfy.LaunchConfig{
				Dir:       cfg.Comfy.Dir,
				Host:      cfg.Comfy.Host,
				Port:      cfg.Comfy.Port,
				StartArgs: strings.Join(cfg.Comfy.StartArgs, " "),
			}
			if err := comfy.EnsureUp(cmd.Context(), client, lc, time.Duration(waitSec)*time.Second); err != nil {
				return err
			}
			fmt.Printf("backend up: %s\n", client.BaseURL())
			return nil
		},
	}
	cmd.Flags().Int("wait", 120, "seconds to wait for readiness")
	return cmd
}

// Show recorded runs
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recorded runs, or one run's task outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return fmt.Errorf("store.path not configured")
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			id, _ := cmd.Flags().GetInt64("id")
			if id > 0 {
				outcomes, err := store.Outcomes(cmd.Context(), id)
				if err != nil {
					return err
				}
				for _, o := range outcomes {
					status := "ok"
					if o.Error != "" {
						status = o.Error
					}
					fmt.Printf("%s\t%s\tattempts=%d\t%s\n", o.Name, o.Handle, o.Attempts, status)
				}
				return nil
			}
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%d\t%s\t%s\t%d/%d ok\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.Status, r.Succeeded, r.Total)
			}
			return nil
		},
	}
	cmd.Flags().Int64("id", 0, "show task outcomes for one run")
	cmd.Flags().Int("limit", 20, "max runs to list")
	return cmd
}

// Search rental offers
func newOffersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offers",
		Short: "Search GPU rental offers matching the configured criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			client := vast.NewClient(cfg.Vast.APIKey)
			searcher := vast.NewSearcher(client, cfg.Vast.Search)
			offers, err := searcher.SearchWithFallback(cmd.Context())
			if err != nil {
				return err
			}
			best := searcher.SelectBest(offers)
			for _, o := range offers {
				marker := " "
				if best != nil && o.ID == best.ID {
					marker = "*"
				}
				fmt.Printf("%s %d\t%s x%d\t$%.3f/h\t%s\tdown %.0f Mbps\n",
					marker, o.ID, o.GPUName, o.NumGPUs, o.DPHTotal, o.Geolocation, o.InetDown)
			}
			return nil
		},
	}
}

// Rent the cheapest matching offer
func newRentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rent",
		Short: "Rent the cheapest matching offer and provision the backend on it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			client := vast.NewClient(cfg.Vast.APIKey)
			searcher := vast.NewSearcher(client, cfg.Vast.Search)
			offers, err := searcher.SearchWithFallback(cmd.Context())
			if err != nil {
				return err
			}
			best := searcher.SelectBest(offers)
			if best == nil {
				return fmt.Errorf("no offers matched")
			}
			log.Info().Int64("offer", best.ID).Str("gpu", best.GPUName).
				Float64("dph_total", best.DPHTotal).Msg("renting offer")

			port := cfg.Comfy.Port
			if port == 0 {
				port = 8188
			}
			req := vast.CreateRequest{
				Label:   cfg.Vast.Label,
				Image:   cfg.Vast.Image,
				DiskGB:  cfg.Vast.DiskGB,
				Onstart: vast.OnstartScript(cfg.Comfy.Dir, port, strings.Join(cfg.Comfy.StartArgs, " ")),
			}
			id, err := client.CreateInstance(cmd.Context(), best.ID, req)
			if err != nil {
				return err
			}
			inst, err := client.WaitForInstance(cmd.Context(), id, 10*time.Minute)
			if err != nil {
				return err
			}
			fmt.Printf("instance %d running: ssh %s:%d\n", inst.ID, inst.SSHHost, inst.SSHPort)
			return nil
		},
	}
}

// List rented instances
func newInstancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List rented instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			client := vast.NewClient(cfg.Vast.APIKey)
			instances, err := client.ListInstances(cmd.Context())
			if err != nil {
				return err
			}
			for _, in := range instances {
				fmt.Printf("%d\t%s\t%s\t%s:%d\t$%.3f/h\n",
					in.ID, in.Label, in.Status, in.SSHHost, in.SSHPort, in.DPHTotal)
			}
			return nil
		},
	}
}

// Destroy a rented instance
func newDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy a rented instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetInt64("id")
			if id == 0 {
				return fmt.Errorf("--id required")
			}
			client := vast.NewClient(cfg.Vast.APIKey)
			if err := client.DestroyInstance(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("destroyed %d\n", id)
			return nil
		},
	}
	cmd.Flags().Int64("id", 0, "instance id")
	return cmd
}

// Fetch generated outputs from an instance, or move individual files
func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Pull generated outputs from an instance over SFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetInt64("id")
			remoteDir, _ := cmd.Flags().GetString("remote-dir")
			localDir, _ := cmd.Flags().GetString("out")
			pushSpecs, _ := cmd.Flags().GetStringSlice("push")
			pullSpecs, _ := cmd.Flags().GetStringSlice("pull")
			if id == 0 {
				return fmt.Errorf("--id required")
			}
			pushes, err := splitTransferSpecs(pushSpecs)
			if err != nil {
				return err
			}
			pulls, err := splitTransferSpecs(pullSpecs)
			if err != nil {
				return err
			}

			client := vast.NewClient(cfg.Vast.APIKey)
			instances, err := client.ListInstances(cmd.Context())
			if err != nil {
				return err
			}
			var inst *vast.Instance
			for i := range instances {
				if instances[i].ID == id {
					inst = &instances[i]
					break
				}
			}
			if inst == nil {
				return fmt.Errorf("instance %d not found", id)
			}
			if inst.SSHHost == "" {
				return fmt.Errorf("instance %d has no ssh endpoint yet", id)
			}

			signer, err := remote.LoadPrivateKeySigner(cfg.SSH.KeyPath)
			if err != nil {
				return err
			}
			if err := remote.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			kh, err := remote.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
			if err != nil {
				return err
			}
			user := cfg.SSH.User
			if user == "" {
				user = "root"
			}
			rc := &remote.Client{
				Addr:       fmt.Sprintf("%s:%d", inst.SSHHost, inst.SSHPort),
				User:       user,
				Signer:     signer,
				KnownHosts: kh,
				Timeout:    15 * time.Second,
				Retries:    2,
				Backoff:    500 * time.Millisecond,
			}
			fetcher := remote.NewFetcher(rc)
			if len(pushes) > 0 || len(pulls) > 0 {
				if err := fetcher.Transfer(cmd.Context(), pushes, pulls); err != nil {
					return err
				}
				fmt.Printf("transferred %d files\n", len(pushes)+len(pulls))
				return nil
			}
			n, err := fetcher.FetchOutputs(cmd.Context(), remoteDir, localDir)
			if err != nil {
				return err
			}
			fmt.Printf("fetched %d files to %s\n", n, localDir)
			return nil
		},
	}
	cmd.Flags().Int64("id", 0, "instance id")
	cmd.Flags().String("remote-dir", "/root/ComfyUI/output", "remote directory to mirror")
	cmd.Flags().String("out", "output", "local destination directory")
	cmd.Flags().StringSlice("push", nil, "upload a file, as local:remote (repeatable)")
	cmd.Flags().StringSlice("pull", nil, "download a file, as remote:local (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// splitTransferSpecs parses src:dst transfer specs, splitting on the last
// colon. Either side being empty is an error.
func splitTransferSpecs(specs []string) ([][2]string, error) {
	out := make([][2]string, 0, len(specs))
	for _, s := range specs {
		i := strings.LastIndex(s, ":")
		if i <= 0 || i == len(s)-1 {
			return nil, fmt.Errorf("bad transfer spec %q: want src:dst", s)
		}
		out = append(out, [2]string{s[:i], s[i+1:]})
	}
	return out, nil
}
