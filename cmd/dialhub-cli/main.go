package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiHost  string
	apiToken string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "dialhub-cli",
		Short: "CLI to administer Dialhub",
		Long:  `A command line tool to manage the Dialhub dispatch service remotely.`,
	}

	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "http://localhost:8080", "API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("DIALHUB_TOKEN"), "API token (or DIALHUB_TOKEN)")

	// === LOGIN ===
	var loginCmd = &cobra.Command{
		Use:   "login [username] [password]",
		Short: "Obtain an API token",
		Args:  cobra.ExactArgs(2),
		Run:   runLogin,
	}

	// === CAMPAIGNS ===
	var campaignCmd = &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
	}

	var campaignListCmd = &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		Run:   runCampaignList,
	}
	campaignListCmd.Flags().String("state", "", "Filter by state")

	var campaignCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a campaign",
		Run:   runCampaignCreate,
	}
	campaignCreateCmd.Flags().String("name", "", "Campaign name (required)")
	campaignCreateCmd.Flags().Int("limit", 5, "Concurrent calls limit (1..50)")
	campaignCreateCmd.Flags().String("priority-mode", "fifo", "fifo, lifo or priority")
	campaignCreateCmd.Flags().Bool("exclude-voicemail", false, "Do not retry voicemail answers")
	campaignCreateCmd.Flags().Int("max-retries", 3, "Max retry attempts per contact")
	campaignCreateCmd.Flags().Int("retry-delay", 15, "Base retry delay in minutes")

	var campaignProgressCmd = &cobra.Command{
		Use:   "progress [id]",
		Short: "Show campaign progress and slot occupancy",
		Args:  cobra.ExactArgs(1),
		Run:   runCampaignProgress,
	}

	var campaignLimitCmd = &cobra.Command{
		Use:   "limit [id] [limit]",
		Short: "Change the concurrency limit",
		Args:  cobra.ExactArgs(2),
		Run:   runCampaignLimit,
	}

	var campaignDeleteCmd = &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a campaign and purge its state",
		Args:  cobra.ExactArgs(1),
		Run:   runCampaignDelete,
	}

	campaignCmd.AddCommand(campaignListCmd, campaignCreateCmd, campaignProgressCmd, campaignLimitCmd, campaignDeleteCmd)

	// Lifecycle actions share one runner.
	for _, action := range []string{"start", "pause", "resume", "cancel", "retry"} {
		action := action
		campaignCmd.AddCommand(&cobra.Command{
			Use:   fmt.Sprintf("%s [id]", action),
			Short: fmt.Sprintf("%s a campaign", action),
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				runCampaignAction(args[0], action)
			},
		})
	}

	rootCmd.AddCommand(loginCmd, campaignCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

func doRequest(method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiHost+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	resp, err := httpClient().Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

func fail(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func runLogin(cmd *cobra.Command, args []string) {
	data, status, err := doRequest(http.MethodPost, "/api/v1/login", map[string]string{
		"username": args[0],
		"password": args[1],
	})
	if err != nil {
		fail("Request failed: %v", err)
	}
	if status != http.StatusOK {
		fail("Login failed (%d): %s", status, string(data))
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		fail("Bad response: %v", err)
	}
	fmt.Println(resp.Token)
}

func runCampaignList(cmd *cobra.Command, args []string) {
	state, _ := cmd.Flags().GetString("state")
	path := "/api/v1/campaigns"
	if state != "" {
		path += "?state=" + state
	}

	data, status, err := doRequest(http.MethodGet, path, nil)
	if err != nil {
		fail("Request failed: %v", err)
	}
	if status != http.StatusOK {
		fail("Error (%d): %s", status, string(data))
	}

	var campaigns []struct {
		ID                   string `json:"id"`
		Name                 string `json:"name"`
		State                string `json:"state"`
		ConcurrentCallsLimit int    `json:"concurrentCallsLimit"`
		TotalContacts        int    `json:"totalContacts"`
		CompletedContacts    int    `json:"completedContacts"`
	}
	if err := json.Unmarshal(data, &campaigns); err != nil {
		fail("Bad response: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tLIMIT\tCONTACTS\tCOMPLETED")
	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			c.ID, c.Name, c.State, c.ConcurrentCallsLimit, c.TotalContacts, c.CompletedContacts)
	}
	w.Flush()
}

func runCampaignCreate(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		fail("--name is required")
	}
	limit, _ := cmd.Flags().GetInt("limit")
	mode, _ := cmd.Flags().GetString("priority-mode")
	excludeVM, _ := cmd.Flags().GetBool("exclude-voicemail")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	retryDelay, _ := cmd.Flags().GetInt("retry-delay")

	data, status, err := doRequest(http.MethodPost, "/api/v1/campaigns", map[string]interface{}{
		"name":                 name,
		"concurrentCallsLimit": limit,
		"priorityMode":         mode,
		"excludeVoicemail":     excludeVM,
		"maxRetryAttempts":     maxRetries,
		"retryDelayMinutes":    retryDelay,
	})
	if err != nil {
		fail("Request failed: %v", err)
	}
	if status != http.StatusCreated {
		fail("Error (%d): %s", status, string(data))
	}

	var c struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &c); err != nil {
		fail("Bad response: %v", err)
	}
	fmt.Printf("Created campaign %s\n", c.ID)
}

func runCampaignAction(id, action string) {
	data, status, err := doRequest(http.MethodPost, "/api/v1/campaigns/"+id+"/"+action, nil)
	if err != nil {
		fail("Request failed: %v", err)
	}
	if status != http.StatusOK {
		fail("Error (%d): %s", status, string(data))
	}
	fmt.Printf("OK: %s %s\n", action, id)
}

func runCampaignProgress(cmd *cobra.Command, args []string) {
	data, status, err := doRequest(http.MethodGet, "/api/v1/campaigns/"+args[0]+"/progress", nil)
	if err != nil {
		fail("Request failed: %v", err)
	}
	if status != http.StatusOK {
		fail("Error (%d): %s", status, string(data))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fail("Bad response: %v", err)
	}
	fmt.Println(out.String())
}

func runCampaignLimit(cmd *cobra.Command, args []string) {
	var limit int
	if _, err := fmt.Sscanf(args[1], "%d", &limit); err != nil {
		fail("Invalid limit: %s", args[1])
	}

	data, status, err := doRequest(http.MethodPatch, "/api/v1/campaigns/"+args[0]+"/concurrent-limit",
		map[string]int{"concurrentCallsLimit": limit})
	if err != nil {
		fail("Request failed: %v", err)
	}
	if status == http.StatusTooManyRequests {
		fail("Rejected, too close to saturation: %s", string(data))
	}
	if status != http.StatusOK {
		fail("Error (%d): %s", status, string(data))
	}
	fmt.Printf("OK: limit for %s set to %d\n", args[0], limit)
}

func runCampaignDelete(cmd *cobra.Command, args []string) {
	data, status, err := doRequest(http.MethodDelete, "/api/v1/campaigns/"+args[0], nil)
	if err != nil {
		fail("Request failed: %v", err)
	}
	if status != http.StatusOK {
		fail("Error (%d): %s", status, string(data))
	}
	fmt.Printf("OK: deleted %s\n", args[0])
}
