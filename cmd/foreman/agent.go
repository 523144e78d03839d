package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jfenner/foreman/internal/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var (
	agentName string
	agentCaps string
)

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE:  runAgentList,
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register [agent-id]",
	Short: "Register an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentRegister,
}

func init() {
	agentRegisterCmd.Flags().StringVar(&agentName, "name", "", "Human-readable agent name")
	agentRegisterCmd.Flags().StringVar(&agentCaps, "caps", "", "Comma-separated declared capabilities")

	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentRegisterCmd)
}

func runAgentList(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/agents")
	if err != nil {
		return err
	}
	var agents []models.Agent
	if err := json.Unmarshal(body, &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCAPABILITIES\tLAST HEARTBEAT")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(a.ID), a.Name, a.Status, strings.Join(a.Capabilities, ","),
			a.LastHeartbeat.Format("15:04:05"))
	}
	return w.Flush()
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{
		"id":           args[0],
		"name":         agentName,
		"capabilities": splitFlagList(agentCaps),
	}
	body, err := apiPost("/agents", req)
	if err != nil {
		return err
	}
	var agent models.Agent
	if err := json.Unmarshal(body, &agent); err != nil {
		return err
	}
	fmt.Printf("Agent %s registered (capabilities: %s)\n", agent.ID, strings.Join(agent.Capabilities, ", "))
	return nil
}
