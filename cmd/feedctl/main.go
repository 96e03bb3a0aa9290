package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/internal/api/middleware"
	"github.com/d60-Lab/timeline-fanout/internal/app"
	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/service"
	"github.com/d60-Lab/timeline-fanout/internal/timeline"
	"github.com/d60-Lab/timeline-fanout/pkg/database"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "feedctl",
		Short: "Operate timeline fan-out storage",
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(regenerateCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(suspendCmd(true))
	rootCmd.AddCommand(suspendCmd(false))
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// inline 事件在当前进程内同步处理
type inline struct{ d *service.Dispatcher }

func (p *inline) Publish(ctx context.Context, e *event.Event) error { return p.d.Handle(ctx, e) }

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	return database.InitDB(cfg)
}

func openApp() (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := database.InitRedis(cfg)
	if err != nil {
		return nil, nil, err
	}
	events := &inline{}
	a, err := app.New(cfg, db, rdb, events)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	events.d = a.Dispatcher
	return a, func() {
		_ = rdb.Close()
		logger.Sync()
	}, nil
}

func timelineKey(accountID int64, kind string, listID int64, tag string) (model.TimelineKey, error) {
	return event.RegeneratePayload{AccountID: accountID, Kind: kind, ListID: listID, Tag: tag}.Key()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update all tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := database.AutoMigrate(db); err != nil {
				return err
			}
			fmt.Println("migrated")
			return nil
		},
	}
}

func regenerateCmd() *cobra.Command {
	var (
		accountID int64
		kind      string
		listID    int64
		tag       string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Rebuild a timeline from the source of truth",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := openApp()
			if err != nil {
				return err
			}
			defer closeFn()
			ctx := cmd.Context()

			var keys []model.TimelineKey
			if all {
				lists, err := a.Lists.OwnedBy(ctx, accountID)
				if err != nil {
					return err
				}
				keys = append(keys, model.HomeTimeline(accountID), model.DirectTimeline(accountID))
				for _, l := range lists {
					keys = append(keys, model.ListTimeline(accountID, l.ID))
				}
			} else {
				key, err := timelineKey(accountID, kind, listID, tag)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}

			for _, key := range keys {
				start := time.Now()
				if err := a.Fanout.Regenerate(ctx, key); err != nil {
					return fmt.Errorf("regenerate %s: %w", key, err)
				}
				n, err := a.Store.Count(ctx, key)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d entries in %v\n", key, n, time.Since(start))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().StringVar(&kind, "kind", "home", "home|list|tag|direct")
	cmd.Flags().Int64Var(&listID, "list", 0, "list id for --kind list")
	cmd.Flags().StringVar(&tag, "tag", "", "tag for --kind tag")
	cmd.Flags().BoolVar(&all, "all", false, "home, direct and every owned list")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func inspectCmd() *cobra.Command {
	var (
		accountID int64
		kind      string
		listID    int64
		tag       string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the newest entries of a timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := openApp()
			if err != nil {
				return err
			}
			defer closeFn()
			ctx := cmd.Context()

			key, err := timelineKey(accountID, kind, listID, tag)
			if err != nil {
				return err
			}
			n, err := a.Store.Count(ctx, key)
			if err != nil {
				return err
			}
			regenerating, err := a.Store.Regenerating(ctx, accountID)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d entries (cap %d), regenerating=%v\n", key, n, a.Store.MaxItems(), regenerating)

			ids, err := a.Store.Page(ctx, key, timeline.Range{Limit: limit})
			if err != nil {
				return err
			}
			byID, err := a.Statuses.GetByIDs(ctx, ids)
			if err != nil {
				return err
			}
			for _, id := range ids {
				st, ok := byID[id]
				if !ok {
					fmt.Printf("  %d  %s  (deleted)\n", id, model.IDTime(id).Format(time.RFC3339))
					continue
				}
				line := fmt.Sprintf("  %d  @%d  %-8s", st.ID, st.AccountID, st.Visibility)
				if st.ReblogOf != nil {
					line += fmt.Sprintf("  reblog of %d by @%d", st.ReblogOf.ID, st.ReblogOf.AccountID)
				} else {
					line += "  " + truncate(st.Text, 60)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().StringVar(&kind, "kind", "home", "home|list|tag|direct")
	cmd.Flags().Int64Var(&listID, "list", 0, "list id for --kind list")
	cmd.Flags().StringVar(&tag, "tag", "", "tag for --kind tag")
	cmd.Flags().IntVar(&limit, "limit", 20, "entries to print")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func suspendCmd(suspend bool) *cobra.Command {
	use, short := "suspend [account-id]", "Suspend an account and purge it from timelines"
	if !suspend {
		use, short = "unsuspend [account-id]", "Lift a suspension and rebuild the account's timelines"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil || id <= 0 {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			a, closeFn, err := openApp()
			if err != nil {
				return err
			}
			defer closeFn()
			if suspend {
				err = a.Relations.Suspend(cmd.Context(), id)
			} else {
				err = a.Relations.Unsuspend(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			fmt.Println("done")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [account-id]",
		Short: "Issue an API bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil || id <= 0 {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := middleware.IssueToken(cfg.Auth, id, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-token [token]",
		Short: "Print the bcrypt hash to put in admin.token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := middleware.HashAdminToken(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
