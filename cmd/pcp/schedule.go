package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pcpline/internal/app"
	"pcpline/internal/domain"
	"pcpline/internal/engine"
	"pcpline/internal/repo"
)

func scheduleCmd() *cobra.Command {
	sch := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"entry"},
		Short:   "Manage schedule entries",
	}
	sch.AddCommand(scheduleCreateCmd())
	sch.AddCommand(scheduleListCmd())
	sch.AddCommand(scheduleGetCmd())
	sch.AddCommand(scheduleAssignCmd())
	sch.AddCommand(scheduleReassignCmd())
	sch.AddCommand(scheduleTransitionCmd())
	sch.AddCommand(scheduleEditCmd())
	sch.AddCommand(scheduleCancelCmd())
	sch.AddCommand(scheduleLogCmd())
	return sch
}

func scheduleCreateCmd() *cobra.Command {
	var opts engine.EntryCreateOptions
	var start, end, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a work order in a sector",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.ActorID, err = actorID(); err != nil {
				return err
			}
			if opts.StartPlanned, err = parseTime("start", start); err != nil {
				return err
			}
			if opts.EndPlanned, err = parseTime("end", end); err != nil {
				return err
			}
			opts.Priority = domain.Priority(strings.ToUpper(priority))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Engine.CreateEntry(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkOrderID, "work-order", "", "work order id")
	cmd.Flags().StringVar(&opts.SectorID, "sector", "", "sector id")
	cmd.Flags().StringVar(&opts.ResponsibleID, "responsible", "", "responsible collaborator id")
	cmd.Flags().StringVar(&start, "start", "", "planned start")
	cmd.Flags().StringVar(&end, "end", "", "planned end")
	cmd.Flags().StringVar(&priority, "priority", "", "BAIXA, NORMAL, ALTA or URGENTE")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("work-order")
	_ = cmd.MarkFlagRequired("sector")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	var f repo.EntryFilters
	var statuses []string
	var priority, startFrom, startTo, cursor string
	var unassigned, all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedule entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.Status(strings.ToUpper(s)))
			}
			f.Priority = domain.Priority(strings.ToUpper(priority))
			if cmd.Flags().Changed("unassigned") {
				assigned := !unassigned
				f.Assigned = &assigned
			}
			if startFrom != "" {
				t, err := parseTime("start-from", startFrom)
				if err != nil {
					return err
				}
				f.StartFrom = &t
			}
			if startTo != "" {
				t, err := parseTime("start-to", startTo)
				if err != nil {
					return err
				}
				f.StartTo = &t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if all {
					var items []domain.ScheduleEntry
					for e, err := range a.Engine.Entries(ctx, f) {
						if err != nil {
							return err
						}
						items = append(items, e)
					}
					return printEntries(items, a.Engine.Now())
				}
				items, next, err := a.Engine.ListEntries(ctx, f, cursor)
				if err != nil {
					return err
				}
				if err := printEntries(items, a.Engine.Now()); err != nil {
					return err
				}
				if next != "" && !viper.GetBool("json") {
					fmt.Printf("next: --cursor %s\n", next)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (repeatable or comma-separated)")
	cmd.Flags().StringVar(&f.SectorID, "sector", "", "sector filter")
	cmd.Flags().StringVar(&f.DepartmentID, "department", "", "department filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.WorkOrderID, "work-order", "", "work order filter")
	cmd.Flags().StringVar(&f.ResponsibleID, "responsible", "", "responsible filter")
	cmd.Flags().BoolVar(&unassigned, "unassigned", false, "only entries without a responsible (false: only assigned)")
	cmd.Flags().StringVar(&startFrom, "start-from", "", "planned start at or after")
	cmd.Flags().StringVar(&startTo, "start-to", "", "planned start before")
	cmd.Flags().StringVar(&f.Order, "order", repo.OrderInsertion, "insertion or start_planned")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	cmd.Flags().BoolVar(&all, "all", false, "walk every page")
	return cmd
}

func scheduleGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an entry with its transition log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Engine.GetEntry(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
}

func scheduleAssignCmd() *cobra.Command {
	var responsible string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign the responsible collaborator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateEntry(cmd, args[0], func(ctx context.Context, e engine.Engine, id int64, actor string) (domain.ScheduleEntry, error) {
				return e.Assign(ctx, id, responsible, actor)
			})
		},
	}
	cmd.Flags().StringVar(&responsible, "to", "", "collaborator id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func scheduleReassignCmd() *cobra.Command {
	var responsible, reason string
	cmd := &cobra.Command{
		Use:   "reassign <id>",
		Short: "Replace the responsible collaborator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateEntry(cmd, args[0], func(ctx context.Context, e engine.Engine, id int64, actor string) (domain.ScheduleEntry, error) {
				return e.Reassign(ctx, id, responsible, actor, reason)
			})
		},
	}
	cmd.Flags().StringVar(&responsible, "to", "", "collaborator id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func scheduleTransitionCmd() *cobra.Command {
	var to, expect, reason, target, key string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move an entry to another status",
		Long:  "Retrying with the same --key is safe: a replay returns the entry without a second transition.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			return mutateEntry(cmd, args[0], func(ctx context.Context, e engine.Engine, id int64, actor string) (domain.ScheduleEntry, error) {
				return e.Transition(ctx, engine.TransitionOptions{
					EntryID:        id,
					To:             domain.Status(strings.ToUpper(to)),
					ExpectedState:  domain.Status(strings.ToUpper(expect)),
					ActorID:        actor,
					Reason:         reason,
					IdempotencyKey: key,
					TargetSectorID: target,
				})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&expect, "expect", "", "fail with a conflict unless the entry is in this status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required to cancel)")
	cmd.Flags().StringVar(&target, "target-sector", "", "receiving sector for ENVIADA")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func scheduleEditCmd() *cobra.Command {
	var start, end, notes, priority string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit planning fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts engine.EntryEditOptions
			if cmd.Flags().Changed("start") {
				t, err := parseTime("start", start)
				if err != nil {
					return err
				}
				opts.StartPlanned = &t
			}
			if cmd.Flags().Changed("end") {
				t, err := parseTime("end", end)
				if err != nil {
					return err
				}
				opts.EndPlanned = &t
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			if cmd.Flags().Changed("priority") {
				p := domain.Priority(strings.ToUpper(priority))
				opts.Priority = &p
			}
			return mutateEntry(cmd, args[0], func(ctx context.Context, e engine.Engine, id int64, actor string) (domain.ScheduleEntry, error) {
				opts.EntryID = id
				opts.ActorID = actor
				return e.Edit(ctx, opts)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "planned start")
	cmd.Flags().StringVar(&end, "end", "", "planned end")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	return cmd
}

func scheduleCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateEntry(cmd, args[0], func(ctx context.Context, e engine.Engine, id int64, actor string) (domain.ScheduleEntry, error) {
				return e.Cancel(ctx, id, actor, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func scheduleLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <id>",
		Short: "Show the transition log of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rows, err := a.Engine.ListTransitions(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"TS", "Actor", "Kind", "From", "To", "Responsible", "Sector", "Reason"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.TS.Format(timeLayout), r.ActorID, r.Kind, r.FromState, r.ToState, deref(r.ResponsibleID), r.SectorID, r.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func mutateEntry(cmd *cobra.Command, arg string, fn func(context.Context, engine.Engine, int64, string) (domain.ScheduleEntry, error)) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	actor, err := actorID()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		e, err := fn(ctx, a.Engine, id, actor)
		if err != nil {
			return err
		}
		return printEntries([]domain.ScheduleEntry{e}, a.Engine.Now())
	})
}
