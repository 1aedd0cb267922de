package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/leavelink/internal/notion"
	"github.com/agentworkforce/leavelink/internal/reconcile"
	"github.com/agentworkforce/leavelink/internal/runner"
)

func newDetectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Show which fields each database uses for each role",
		Long: `Retrieve both database schemas and print the identifier, relation and
status fields that a run would use. Use this to pick relation_field when a
database has more than one relation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := parseOutputFormat(a.output)
			if err != nil {
				return err
			}
			cfg, ctx, _, err := a.setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			store, err := a.newStore(cfg)
			if err != nil {
				return err
			}
			r := runner.New(store, cfg.EngineOptions(), nil)
			employees, leave, err := r.Detect(ctx)
			if err != nil {
				return err
			}
			if format == formatText {
				printRoles(a.out, "employees", employees, false)
				printRoles(a.out, "leave requests", leave, true)
			} else {
				view := map[string]rolesView{
					"employees":     newRolesView(employees),
					"leaveRequests": newRolesView(leave),
				}
				if err := writeStructured(a.out, format, view); err != nil {
					return err
				}
			}
			return errors.Join(
				employees.RequireIdentifier(),
				leave.RequireIdentifier(),
				leave.RequireRelation(),
			)
		},
	}
}

func printRoles(w io.Writer, title string, roles reconcile.Roles, dependent bool) {
	fmt.Fprintf(w, "%s (%s)\n", title, roles.DatabaseID)
	fmt.Fprintf(w, "  identifier: %s\n", describeField(roles.Identifier))
	relation := describeField(roles.Relation)
	if roles.RelationDegraded {
		relation += " [targets another database]"
	}
	fmt.Fprintf(w, "  relation:   %s\n", relation)
	if dependent {
		fmt.Fprintf(w, "  status:     %s\n", describeField(roles.Status))
	}
}

func describeField(f *notion.Field) string {
	if f == nil {
		return "none"
	}
	return fmt.Sprintf("%q (%s)", f.Name, f.Kind)
}

type fieldView struct {
	Name   string `json:"name" yaml:"name"`
	Kind   string `json:"kind" yaml:"kind"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

type rolesView struct {
	DatabaseID       string     `json:"databaseId" yaml:"databaseId"`
	Identifier       *fieldView `json:"identifier" yaml:"identifier"`
	Relation         *fieldView `json:"relation" yaml:"relation"`
	Status           *fieldView `json:"status" yaml:"status"`
	RelationDegraded bool       `json:"relationDegraded,omitempty" yaml:"relationDegraded,omitempty"`
}

func newRolesView(roles reconcile.Roles) rolesView {
	return rolesView{
		DatabaseID:       roles.DatabaseID,
		Identifier:       newFieldView(roles.Identifier),
		Relation:         newFieldView(roles.Relation),
		Status:           newFieldView(roles.Status),
		RelationDegraded: roles.RelationDegraded,
	}
}

func newFieldView(f *notion.Field) *fieldView {
	if f == nil {
		return nil
	}
	return &fieldView{Name: f.Name, Kind: f.Kind.String(), Target: f.RelationTarget}
}
