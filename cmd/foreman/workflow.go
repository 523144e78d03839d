package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jfenner/foreman/internal/models"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow runs",
}

var (
	workflowContext string
	runStatus       string
)

var workflowRunCmd = &cobra.Command{
	Use:   "run [template-id]",
	Short: "Start a workflow run",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowRun,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow runs",
	RunE:  runWorkflowList,
}

var workflowShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a workflow run",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowShow,
}

var workflowTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available workflow templates",
	RunE:  runWorkflowTemplates,
}

func init() {
	workflowRunCmd.Flags().StringVar(&workflowContext, "context", "", "Initial context as JSON object")
	workflowListCmd.Flags().StringVar(&runStatus, "status", "", "Filter by status")

	workflowCmd.AddCommand(workflowRunCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowShowCmd)
	workflowCmd.AddCommand(workflowTemplatesCmd)
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{"template_id": args[0]}
	if workflowContext != "" {
		var ctx map[string]interface{}
		if err := json.Unmarshal([]byte(workflowContext), &ctx); err != nil {
			return fmt.Errorf("invalid context JSON: %w", err)
		}
		req["context"] = ctx
	}

	body, err := apiPost("/workflows", req)
	if err != nil {
		return err
	}
	var run models.WorkflowRun
	if err := json.Unmarshal(body, &run); err != nil {
		return err
	}
	fmt.Printf("Workflow run %s started (template: %s)\n", run.ID, run.TemplateID)
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	path := "/workflows"
	if runStatus != "" {
		path += "?status=" + runStatus
	}
	body, err := apiGet(path)
	if err != nil {
		return err
	}
	var runs []models.WorkflowRun
	if err := json.Unmarshal(body, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No workflow runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTEMPLATE\tSTATUS\tSTAGE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", shortID(r.ID), r.TemplateID, r.Status, r.CurrentStage)
	}
	return w.Flush()
}

func runWorkflowShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/workflows/" + args[0])
	if err != nil {
		return err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func runWorkflowTemplates(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/templates")
	if err != nil {
		return err
	}
	var templates []models.WorkflowTemplate
	if err := json.Unmarshal(body, &templates); err != nil {
		return err
	}
	if len(templates) == 0 {
		fmt.Println("No templates loaded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTAGES")
	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%d\n", t.ID, t.Name, len(t.Stages))
	}
	return w.Flush()
}
