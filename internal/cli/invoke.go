package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/nrhchnd1412/agentcore/pkg/gateway"
	"github.com/spf13/cobra"
)

var (
	invokeURL     string
	invokeSession string
	invokeActor   string
	invokeSecret  string
	invokeTimeout time.Duration
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <prompt>",
	Short: "Send a prompt to a running service and stream the answer",
	Long: `Send a prompt to a running agentcore service and print the answer as it
streams. Reuse --session to continue a conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().StringVar(&invokeURL, "url", "", "service base URL (default derived from the server config)")
	invokeCmd.Flags().StringVarP(&invokeSession, "session", "s", "", "session id")
	invokeCmd.Flags().StringVar(&invokeActor, "actor", "", "actor id")
	invokeCmd.Flags().StringVar(&invokeSecret, "secret", "", "shared secret (defaults to server.shared_secret)")
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", 5*time.Minute, "overall request timeout")
	rootCmd.AddCommand(invokeCmd)
}

func runInvoke(cmd *cobra.Command, args []string) error {
	baseURL, secret := invokeURL, invokeSecret
	if baseURL == "" || secret == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if baseURL == "" {
			baseURL = serviceURL(cfg.Server)
		}
		if secret == "" {
			secret = cfg.Server.SharedSecret
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), invokeTimeout)
	defer cancel()

	inv := invocation{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		body: gateway.InvocationRequest{
			Prompt:    strings.Join(args, " "),
			ActorID:   invokeActor,
			SessionID: invokeSession,
		},
	}
	return inv.run(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

type invocation struct {
	baseURL string
	secret  string
	body    gateway.InvocationRequest
	client  *http.Client
}

// run posts the prompt, asking for server-sent events, and prints chunk
// frames as they arrive. An error frame ends the stream with an error.
func (inv invocation) run(ctx context.Context, out, errOut io.Writer) error {
	payload, err := json.Marshal(inv.body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.baseURL+"/invocations", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if inv.secret != "" {
		req.Header.Set(gateway.SecretHeader, inv.secret)
	}

	client := inv.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	red := color.New(color.FgRed)
	if resp.StatusCode != http.StatusOK {
		var body gateway.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		red.Fprintf(errOut, "✗ %s\n", body.Error)
		return fmt.Errorf("invocation rejected with status %d", resp.StatusCode)
	}

	gray := color.New(color.FgHiBlack)
	if id := resp.Header.Get(gateway.SessionHeader); id != "" && inv.body.SessionID == "" {
		gray.Fprintf(errOut, "session: %s\n", id)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frame gateway.Frame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return fmt.Errorf("invalid frame: %w", err)
		}
		switch frame.Type {
		case gateway.FrameChunk:
			fmt.Fprint(out, frame.Data)
		case gateway.FrameError:
			fmt.Fprintln(out)
			red.Fprintf(errOut, "✗ %s\n", frame.Error)
			return fmt.Errorf("invocation failed: %s", frame.Error)
		case gateway.FrameComplete:
			fmt.Fprintln(out)
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return fmt.Errorf("stream ended without completion")
}
