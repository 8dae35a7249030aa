package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nidhogg/nuka-crew/internal/agent"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	c := &chatClient{http: http.DefaultClient}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c.in = bufio.NewScanner(cmd.InOrStdin())
			c.out = cmd.OutOrStdout()
			c.errOut = cmd.ErrOrStderr()
			return c.repl()
		},
	}
	cmd.Flags().StringVar(&c.server, "server", "http://localhost:8080", "Nuka server URL")
	cmd.Flags().StringVarP(&c.agent, "agent", "a", "", "agent ID to talk to (default: first listed)")
	cmd.Flags().StringVarP(&c.session, "session", "s", "", "session ID for conversation history")
	return cmd
}

type chatClient struct {
	server  string
	agent   string
	session string
	http    *http.Client
	in      *bufio.Scanner
	out     io.Writer
	errOut  io.Writer
}

func (c *chatClient) repl() error {
	fmt.Fprintln(c.out, "Nuka chat")
	fmt.Fprintf(c.out, "Server: %s\n", c.server)
	fmt.Fprintln(c.out, "Commands: /agents, /use <id>, /team, exit")
	fmt.Fprintln(c.out, "---")

	agents, err := c.fetchAgents()
	if err != nil {
		return err
	}
	if c.agent == "" && len(agents) > 0 {
		c.agent = agents[0].ID
	}

	for {
		fmt.Fprint(c.out, "\n> ")
		if !c.in.Scan() {
			return nil
		}
		input := strings.TrimSpace(c.in.Text())
		switch {
		case input == "":
		case input == "exit" || input == "quit":
			fmt.Fprintln(c.out, "Bye!")
			return nil
		case input == "/agents":
			c.fetchAgents()
		case strings.HasPrefix(input, "/use "):
			c.agent = strings.TrimSpace(strings.TrimPrefix(input, "/use "))
		case input == "/team":
			c.fetchTeam()
		default:
			c.send(input)
		}
	}
}

func (c *chatClient) fetchAgents() ([]agent.Agent, error) {
	resp, err := c.http.Get(c.server + "/api/agents")
	if err != nil {
		c.printError("Failed to fetch agents: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	var agents []agent.Agent
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		c.printError("Failed to parse agents: %v", err)
		return nil, err
	}
	if len(agents) == 0 {
		fmt.Fprintln(c.out, "No agents registered yet.")
		return nil, nil
	}
	fmt.Fprintln(c.out, "Available agents:")
	for _, a := range agents {
		fmt.Fprintf(c.out, "  %s (%s) %s\n", a.ID, a.Name, a.Status)
	}
	return agents, nil
}

func (c *chatClient) fetchTeam() {
	resp, err := c.http.Get(c.server + "/api/team")
	if err != nil {
		c.printError("Failed to fetch team: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(c.out, "No active team.")
		return
	}
	var report struct {
		Team *struct {
			Name    string `json:"name"`
			Members []struct {
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"members"`
			Tasks []struct {
				ID      string `json:"id"`
				Subject string `json:"subject"`
				Status  string `json:"status"`
				Owner   string `json:"owner"`
			} `json:"tasks"`
		} `json:"team"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil || report.Team == nil {
		c.printError("Failed to parse team: %v", err)
		return
	}
	fmt.Fprintf(c.out, "Team %s\n", report.Team.Name)
	for _, m := range report.Team.Members {
		fmt.Fprintf(c.out, "  %-16s %s\n", m.Name, m.Status)
	}
	for _, t := range report.Team.Tasks {
		fmt.Fprintf(c.out, "  #%s [%s] %s %s\n", t.ID, t.Status, t.Subject, t.Owner)
	}
}

func (c *chatClient) post(path string, body interface{}, into interface{}) error {
	b, _ := json.Marshal(body)
	resp, err := c.http.Post(c.server+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// send starts a run and follows its event stream, answering approvals
// from the same input.
func (c *chatClient) send(content string) {
	var started struct {
		RunID string `json:"run_id"`
	}
	req := map[string]string{"message": content, "session_id": c.session}
	if err := c.post("/api/agents/"+c.agent+"/runs", req, &started); err != nil {
		c.printError("Request failed: %v", err)
		return
	}

	resp, err := c.http.Get(c.server + "/api/runs/" + started.RunID + "/events")
	if err != nil {
		c.printError("Stream failed: %v", err)
		return
	}
	defer resp.Body.Close()

	p := &printer{out: c.out, log: c.errOut}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env agent.Envelope
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env); err != nil {
			c.printError("Bad event: %v", err)
			continue
		}
		ev, err := agent.DecodeEvent(env)
		if err != nil {
			continue
		}
		p.print(ev)
		switch e := ev.(type) {
		case agent.ToolCallApprovalNeeded:
			c.answerApproval(started.RunID, e.Call)
		case agent.LoopEnd:
			return
		}
	}
}

func (c *chatClient) answerApproval(runID string, call agent.ToolCallState) {
	pa, ok := c.findApproval(runID, call.ID)
	if !ok {
		c.printError("No pending approval for %s", call.Name)
		return
	}
	fmt.Fprintf(c.errOut, "\n[approval] %s %s\nallow? [y/N] ", call.Name, truncate(string(call.Input), 400))
	approved := false
	if c.in.Scan() {
		a := strings.ToLower(strings.TrimSpace(c.in.Text()))
		approved = a == "y" || a == "yes"
	}
	if err := c.post("/api/approvals/"+pa.ID, map[string]bool{"approved": approved}, nil); err != nil {
		c.printError("Failed to answer approval: %v", err)
	}
}

// findApproval polls briefly: the event can arrive before the server has
// filed the request.
func (c *chatClient) findApproval(runID, callID string) (agent.PendingApproval, bool) {
	for attempt := 0; attempt < 20; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		resp, err := c.http.Get(c.server + "/api/approvals")
		if err != nil {
			c.printError("Failed to fetch approvals: %v", err)
			return agent.PendingApproval{}, false
		}
		var pending []agent.PendingApproval
		err = json.NewDecoder(resp.Body).Decode(&pending)
		resp.Body.Close()
		if err != nil {
			c.printError("Failed to parse approvals: %v", err)
			return agent.PendingApproval{}, false
		}
		for _, pa := range pending {
			if pa.RunID == runID && pa.Call.ID == callID {
				return pa, true
			}
		}
	}
	return agent.PendingApproval{}, false
}

func (c *chatClient) printError(format string, args ...interface{}) {
	fmt.Fprintf(c.errOut, "\033[31m"+format+"\033[0m\n", args...)
}
