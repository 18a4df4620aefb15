package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/task"
)

// projectRow is a project as listed by the server, with the orchestrator
// state attached.
type projectRow struct {
	task.Project
	State string `json:"state,omitempty"`
}

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "Obtain a token (export it as STEWARD_TOKEN)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Token string `json:"token"`
		}
		body := map[string]string{"username": args[0], "password": args[1]}
		if err := client().post(cmd.Context(), "/api/auth/login", body, &resp); err != nil {
			return err
		}
		fmt.Println(resp.Token)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if _, err := client().get(cmd.Context(), "/api/status", &result); err != nil {
			return err
		}
		for _, k := range []string{"status", "version", "uptime", "agents"} {
			if v, ok := result[k]; ok {
				fmt.Printf("%-8s %v\n", k+":", v)
			}
		}
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var agents []agent.Info
		if _, err := client().get(cmd.Context(), "/api/agents", &agents); err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("no agents")
			return nil
		}
		fmt.Printf("%-16s %-20s %-14s %-24s %s\n", "ID", "NAME", "ROLE", "CHANNELS", "LEAD")
		fmt.Println(strings.Repeat("-", 82))
		for _, a := range agents {
			lead := ""
			if a.IsLead {
				lead = "yes"
			}
			fmt.Printf("%-16s %-20s %-14s %-24s %s\n", a.ID, truncate(a.Name, 19), truncate(a.Role(), 13), truncate(strings.Join(a.Channels, ","), 23), lead)
		}
		return nil
	},
}

var (
	sendThread string
	sendTo     string
)

var sendCmd = &cobra.Command{
	Use:   "send <channel> <message...>",
	Short: "Post a message to a channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"channel_id": args[0],
			"thread_id":  sendThread,
			"to":         sendTo,
			"content":    strings.Join(args[1:], " "),
		}
		var msg comms.Message
		if err := client().post(cmd.Context(), "/api/messages", body, &msg); err != nil {
			return err
		}
		fmt.Printf("sent %s (thread %s)\n", msg.ID, msg.Thread())
		return nil
	},
}

var (
	projectsStatus string
	projectsTag    string
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if projectsStatus != "" {
			q.Set("status", projectsStatus)
		}
		if projectsTag != "" {
			q.Set("tag", projectsTag)
		}
		path := "/api/projects"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var projects []projectRow
		if _, err := client().get(cmd.Context(), path, &projects); err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("no projects")
			return nil
		}
		fmt.Printf("%-36s %-32s %-12s %s\n", "ID", "NAME", "STATUS", "STATE")
		fmt.Println(strings.Repeat("-", 96))
		for _, p := range projects {
			fmt.Printf("%-36s %-32s %-12s %s\n", p.ID, truncate(p.Name, 31), statusText(string(p.Metadata.Status), 12), p.State)
		}
		return nil
	},
}

var projectCmd = &cobra.Command{
	Use:   "project <id>",
	Short: "Show a project and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client()
		var p projectRow
		if _, err := c.get(cmd.Context(), "/api/projects/"+args[0], &p); err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(p.Name), statusText(string(p.Metadata.Status), 0))
		fmt.Printf("id:       %s\n", p.ID)
		fmt.Printf("created:  %s, updated %s\n", humanize.Time(p.CreatedAt), humanize.Time(p.UpdatedAt))
		if p.State != "" {
			fmt.Printf("state:    %s\n", p.State)
		}
		if len(p.Metadata.Tags) > 0 {
			fmt.Printf("tags:     %s\n", strings.Join(p.Metadata.Tags, ", "))
		}
		if p.Metadata.ParentTaskID != "" {
			fmt.Printf("parent:   %s\n", p.Metadata.ParentTaskID)
		}
		if len(p.Metadata.ChildProjects) > 0 {
			fmt.Printf("children: %s\n", strings.Join(p.Metadata.ChildProjects, ", "))
		}
		fmt.Println()
		return printTasks(cmd, c, args[0], "")
	},
}

var tasksStatus string

var tasksCmd = &cobra.Command{
	Use:   "tasks <project-id>",
	Short: "List the tasks of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTasks(cmd, client(), args[0], tasksStatus)
	},
}

func printTasks(cmd *cobra.Command, c *Client, projectID, status string) error {
	path := "/api/projects/" + url.PathEscape(projectID) + "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []task.Task
	if _, err := c.get(cmd.Context(), path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-5s %-36s %-10s %-14s %-12s %s\n", "ORDER", "ID", "TYPE", "STATUS", "ASSIGNEE", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 110))
	for _, t := range tasks {
		typ := string(t.Type)
		if st := t.StepType(); st != "" {
			typ = st
		}
		fmt.Printf("%-5d %-36s %-10s %s %-12s %s\n", t.Order, t.ID, truncate(typ, 10), statusText(string(t.Status), 14), truncate(t.Assignee, 12), truncate(t.Description, 40))
	}
	return nil
}

var completeMessage string

var completeCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task.Task
		body := map[string]string{"message": completeMessage}
		if err := client().post(cmd.Context(), "/api/tasks/"+args[0]+"/complete", body, &t); err != nil {
			return err
		}
		fmt.Printf("task %s %s\n", t.ID, statusText(string(t.Status), 0))
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and the work it delegated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task.Task
		if err := client().post(cmd.Context(), "/api/tasks/"+args[0]+"/cancel", nil, &t); err != nil {
			return err
		}
		fmt.Printf("task %s %s\n", t.ID, statusText(string(t.Status), 0))
		return nil
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign <task-id> <assignee>",
	Short: "Assign a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task.Task
		body := map[string]string{"assignee": args[1]}
		if err := client().post(cmd.Context(), "/api/tasks/"+args[0]+"/assign", body, &t); err != nil {
			return err
		}
		fmt.Printf("task %s assigned to %s\n", t.ID, t.Assignee)
		return nil
	},
}

var nextCmd = &cobra.Command{
	Use:   "next <assignee>",
	Short: "Show the next ready task of an assignee",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task.Task
		found, err := client().get(cmd.Context(), "/api/agents/"+args[0]+"/next", &t)
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("nothing ready")
			return nil
		}
		fmt.Printf("%s  %s\n", t.ID, statusText(string(t.Status), 0))
		fmt.Printf("project: %s\n", t.ProjectID)
		if t.DueDate != nil {
			fmt.Printf("due:     %s (%s)\n", t.DueDate.Local().Format("2006-01-02 15:04"), humanize.Time(*t.DueDate))
		}
		fmt.Println(t.Description)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendThread, "thread", "", "thread to reply in")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "agent to address")
	projectsCmd.Flags().StringVar(&projectsStatus, "status", "", "filter by status (active, completed, cancelled)")
	projectsCmd.Flags().StringVar(&projectsTag, "tag", "", "filter by tag")
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	completeCmd.Flags().StringVarP(&completeMessage, "message", "m", "", "response recorded with the task")
}

var statusColors = map[string]color.Attribute{
	string(task.StatusPending):    color.FgCyan,
	string(task.StatusInProgress): color.FgYellow,
	string(task.StatusCompleted):  color.FgGreen,
	string(task.StatusCancelled):  color.FgRed,
	string(task.ProjectActive):    color.FgYellow,
}

// statusText renders a status as a colored title, padded to width.
func statusText(status string, width int) string {
	label := cases.Title(language.English).String(strings.ReplaceAll(status, "_", " "))
	if width > 0 {
		label = fmt.Sprintf("%-*s", width, label)
	}
	attr, ok := statusColors[status]
	if !ok {
		return label
	}
	return color.New(attr).Sprint(label)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
