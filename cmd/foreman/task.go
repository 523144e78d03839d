package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jfenner/foreman/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var (
	taskCaps        string
	taskPayload     string
	taskMaxAttempts int
	taskStatus      string
)

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Submit a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskEventsCmd = &cobra.Command{
	Use:   "events [task-id]",
	Short: "Show a task's audit events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskEvents,
}

func init() {
	taskAddCmd.Flags().StringVar(&taskCaps, "caps", "", "Comma-separated required capabilities")
	taskAddCmd.Flags().StringVar(&taskPayload, "payload", "", "JSON payload")
	taskAddCmd.Flags().IntVar(&taskMaxAttempts, "max-attempts", 0, "Maximum attempts before dead-lettering")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskEventsCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	caps := splitFlagList(taskCaps)
	if len(caps) == 0 {
		return fmt.Errorf("at least one capability is required (--caps)")
	}

	req := map[string]interface{}{
		"capabilities": caps,
		"max_attempts": taskMaxAttempts,
	}
	if taskPayload != "" {
		req["payload"] = json.RawMessage(taskPayload)
	}

	body, err := apiPost("/tasks", req)
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}
	fmt.Printf("Task %s submitted (capabilities: %s)\n", task.ID, strings.Join(task.Capabilities, ", "))
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	path := "/tasks"
	if taskStatus != "" {
		path += "?status=" + taskStatus
	}
	body, err := apiGet(path)
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCAPABILITIES\tATTEMPTS\tAGENT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			shortID(t.ID), colorStatus(t.Status), strings.Join(t.Capabilities, ","),
			t.Attempts, t.MaxAttempts, shortID(t.AssignedTo))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/tasks/" + args[0])
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

func runTaskCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/tasks/"+args[0]+"/cancel", map[string]string{}); err != nil {
		return err
	}
	fmt.Printf("Task %s cancelled\n", args[0])
	return nil
}

func runTaskEvents(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/tasks/" + args[0] + "/events")
	if err != nil {
		return err
	}
	var events []models.Event
	if err := json.Unmarshal(body, &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tATTEMPT\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.Timestamp.Format("15:04:05"), e.Kind, e.Attempt, e.Detail)
	}
	return w.Flush()
}

func colorStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusSucceeded:
		return color.GreenString(string(status))
	case models.TaskStatusFailed, models.TaskStatusDeadLettered:
		return color.RedString(string(status))
	case models.TaskStatusRunning, models.TaskStatusDispatched:
		return color.CyanString(string(status))
	case models.TaskStatusRetrying:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func splitFlagList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
