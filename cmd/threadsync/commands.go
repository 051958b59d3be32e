package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/threadsync/internal/deltafeed"
	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/scheduler"
	"github.com/agentworkforce/threadsync/internal/threaddb"
	"github.com/agentworkforce/threadsync/internal/umbrella"
)

func (a *app) newScheduler(q threaddb.Query) (*scheduler.Scheduler, error) {
	opts := a.store.SchedulerOptions(umbrella.ResourceThreads, a.store.ThreadsFetch(a.room, q))
	opts.PollInterval = a.cfg.Client.PollInterval.Duration()
	opts.AttemptTimeout = a.cfg.Client.Timeout.Duration()
	return scheduler.New(opts)
}

// refresh loads the caches once so mutations can find their threads.
func (a *app) refresh(ctx context.Context, q threaddb.Query) error {
	sched, err := a.newScheduler(q)
	if err != nil {
		return err
	}
	defer sched.Stop()
	if err := sched.RefreshNow(ctx); err != nil {
		return fmt.Errorf("sync threads: %w", err)
	}
	return nil
}

func newListCmd(a *app) *cobra.Command {
	var rawQuery string
	var desc bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads matching a query",
		Example: `  threadsync list --room design
  threadsync list --query '{"resolved":false,"metadata":{"priority":{"startsWith":"p"}}}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := threaddb.ParseQuery(rawQuery)
			if err != nil {
				return err
			}
			if err := a.refresh(cmd.Context(), q); err != nil {
				return err
			}
			dir := threaddb.Ascending
			if desc {
				dir = threaddb.Descending
			}
			out := cmd.OutOrStdout()
			printThreads(out, newStyles(out), a.store.Snapshot().FindMany(a.room, q, dir))
			return nil
		},
	}
	cmd.Flags().StringVarP(&rawQuery, "query", "q", "", "JSON thread query")
	cmd.Flags().BoolVar(&desc, "desc", false, "newest threads first")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var rawQuery string
	var noFeed bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the caches in sync and print a line on every change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := threaddb.ParseQuery(rawQuery)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, cmd, q, !noFeed)
		},
	}
	cmd.Flags().StringVarP(&rawQuery, "query", "q", "", "JSON thread query")
	cmd.Flags().BoolVar(&noFeed, "no-feed", false, "poll only, without the websocket change feed")
	return cmd
}

func (a *app) watch(ctx context.Context, cmd *cobra.Command, q threaddb.Query, feed bool) error {
	sched, err := a.newScheduler(q)
	if err != nil {
		return err
	}
	defer sched.Stop()

	out := cmd.OutOrStdout()
	st := newStyles(out)
	var lastVersion uint64
	unsubscribe := a.store.Subscribe(func(snap umbrella.Snapshot) {
		if snap.Version() == lastVersion {
			return
		}
		lastVersion = snap.Version()
		state := "idle"
		if res, ok := snap.Resource(umbrella.ResourceThreads); ok {
			state = string(res.State)
		}
		fmt.Fprintf(out, "%s threads=%d unread=%d pending=%d sync=%s\n",
			st.dim.Render(time.Now().Format(time.TimeOnly)),
			len(snap.FindMany(a.room, q, threaddb.Ascending)),
			snap.UnreadCount(),
			snap.PendingMutations(),
			state,
		)
	})
	defer unsubscribe()

	sched.Start(ctx)
	if !feed {
		<-ctx.Done()
		return nil
	}
	url, err := deltafeed.ChangesURL(a.cfg.Client.BaseURL)
	if err != nil {
		return err
	}
	listener := &deltafeed.Listener{
		URL:       url,
		Token:     a.cfg.Client.Token,
		Logger:    a.logger,
		OnConnect: sched.Invalidate,
		OnEvent: func(ev restapi.ChangeEvent) {
			a.logger.Debug("change_event", zap.String("room_id", ev.RoomID), zap.Uint64("version", ev.Version))
			if a.room == "" || ev.RoomID == "" || ev.RoomID == a.room {
				sched.Invalidate()
			}
		},
	}
	if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newCreateCmd(a *app) *cobra.Command {
	var body string
	var meta []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a thread in --room with a first comment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.room == "" {
				return errors.New("--room is required")
			}
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			t, err := a.store.CreateThread(cmd.Context(), a.room, body, metadata)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&body, "body", "b", "", "first comment")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newCommentCmd(a *app) *cobra.Command {
	var body, edit string
	cmd := &cobra.Command{
		Use:   "comment <thread-id>",
		Short: "Add a comment to a thread, or edit one with --edit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.refresh(cmd.Context(), threaddb.Query{}); err != nil {
				return err
			}
			var (
				c   threaddb.CommentRecord
				err error
			)
			if edit != "" {
				c, err = a.store.EditComment(cmd.Context(), args[0], edit, body)
			} else {
				c, err = a.store.CreateComment(cmd.Context(), args[0], body)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&body, "body", "b", "", "comment text")
	cmd.Flags().StringVar(&edit, "edit", "", "id of your comment to replace")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func newResolveCmd(a *app) *cobra.Command {
	var reopen bool
	cmd := &cobra.Command{
		Use:   "resolve <thread-id>",
		Short: "Mark a thread resolved, or unresolved with --reopen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.refresh(cmd.Context(), threaddb.Query{}); err != nil {
				return err
			}
			var (
				t   threaddb.ThreadRecord
				err error
			)
			if reopen {
				t, err = a.store.MarkThreadUnresolved(cmd.Context(), args[0])
			} else {
				t, err = a.store.MarkThreadResolved(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printThreads(out, newStyles(out), []threaddb.ThreadRecord{t})
			return nil
		},
	}
	cmd.Flags().BoolVar(&reopen, "reopen", false, "mark the thread unresolved")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var commentID string
	cmd := &cobra.Command{
		Use:   "delete <thread-id>",
		Short: "Delete a thread, or one comment with --comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.refresh(cmd.Context(), threaddb.Query{}); err != nil {
				return err
			}
			if commentID != "" {
				return a.store.DeleteComment(cmd.Context(), args[0], commentID)
			}
			return a.store.DeleteThread(cmd.Context(), args[0])
		},
	}
	cmd.Flags().StringVar(&commentID, "comment", "", "delete only this comment")
	return cmd
}

func newSubscribeCmd(a *app) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "subscribe <thread-id>",
		Short: "Subscribe to a thread's notifications, or stop with --off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.refresh(cmd.Context(), threaddb.Query{}); err != nil {
				return err
			}
			if off {
				return a.store.UnsubscribeFromThread(cmd.Context(), args[0])
			}
			_, err := a.store.SubscribeToThread(cmd.Context(), args[0])
			return err
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "unsubscribe")
	return cmd
}

func newInboxCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "Show inbox notifications, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.refresh(cmd.Context(), threaddb.Query{}); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printInbox(out, newStyles(out), a.store.Snapshot())
			return nil
		},
	}
}

func newReadCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "read [notification-id...]",
		Short: "Mark notifications read",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pass notification ids or --all")
			}
			if err := a.refresh(cmd.Context(), threaddb.Query{}); err != nil {
				return err
			}
			if all {
				return a.store.MarkAllNotificationsRead(cmd.Context())
			}
			return a.store.MarkNotificationsRead(cmd.Context(), args...)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "mark every notification read")
	return cmd
}
