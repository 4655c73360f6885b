package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pcpline/internal/app"
	"pcpline/internal/domain"
	"pcpline/internal/repo"
)

func pendencyCmd() *cobra.Command {
	pen := &cobra.Command{
		Use:   "pendency",
		Short: "Manage work order pendencies",
		Long:  "An open pendency on a work order blocks approval of every entry scheduled for it.",
	}
	pen.AddCommand(pendencyOpenCmd())
	pen.AddCommand(pendencyStartCmd())
	pen.AddCommand(pendencyCloseCmd())
	pen.AddCommand(pendencyListCmd())
	return pen
}

func pendencyOpenCmd() *cobra.Command {
	var workOrder, description string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Raise a pendency",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.OpenPendency(ctx, workOrder, actor, description)
				if err != nil {
					return err
				}
				return printPendencies([]domain.Pendency{p})
			})
		},
	}
	cmd.Flags().StringVar(&workOrder, "work-order", "", "work order id")
	cmd.Flags().StringVar(&description, "description", "", "what is missing")
	_ = cmd.MarkFlagRequired("work-order")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func pendencyStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Mark a pendency as being worked on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.StartPendency(ctx, id, actor)
				if err != nil {
					return err
				}
				return printPendencies([]domain.Pendency{p})
			})
		},
	}
}

func pendencyCloseCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a pendency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.ClosePendency(ctx, id, notes, actor)
				if err != nil {
					return err
				}
				return printPendencies([]domain.Pendency{p})
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func pendencyListCmd() *cobra.Command {
	var f repo.PendencyFilters
	var status, cursor string
	var openOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pendencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if openOnly {
					if f.WorkOrderID == "" {
						return fmt.Errorf("--open requires --work-order")
					}
					items, err := a.Engine.ListOpenPendencies(ctx, f.WorkOrderID)
					if err != nil {
						return err
					}
					return printPendencies(items)
				}
				f.Status = domain.PendencyStatus(strings.ToUpper(status))
				items, next, err := a.Engine.ListPendencies(ctx, f, cursor)
				if err != nil {
					return err
				}
				if err := printPendencies(items); err != nil {
					return err
				}
				if next != "" && !viper.GetBool("json") {
					fmt.Printf("next: --cursor %s\n", next)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkOrderID, "work-order", "", "work order filter")
	cmd.Flags().StringVar(&status, "status", "", "ABERTA, EM_ANDAMENTO or FECHADA")
	cmd.Flags().StringVar(&f.RaisedBy, "raised-by", "", "collaborator filter")
	cmd.Flags().BoolVar(&openOnly, "open", false, "only pendencies still blocking approval")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}
