// Gmail autoreply polls a mailbox, drafts replies with a language model and
// sends them, routing anything it cannot answer to human review.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/hal9000y/gmail-autoreply/internal/auth"
	"github.com/hal9000y/gmail-autoreply/internal/dedup"
	"github.com/hal9000y/gmail-autoreply/internal/gservice"
	"github.com/hal9000y/gmail-autoreply/internal/outbox"
	"github.com/hal9000y/gmail-autoreply/internal/poller"
	"github.com/hal9000y/gmail-autoreply/internal/reply"
	"github.com/hal9000y/gmail-autoreply/internal/store"
	"github.com/hal9000y/gmail-autoreply/internal/thread"
	"github.com/hal9000y/gmail-autoreply/internal/tool"
)

const defaultLLMModel = "gpt-4o-mini"

func main() {
	httpAddr := flag.String("http-addr", "localhost:0", "HTTP SERVER listen addr")
	oauthTokenFile := flag.String("oauth-token-file", "./data/gmail-autoreply-token.json", "Path to cache google oauth token, empty to avoid storing")
	oauthURLParam := flag.String("oauth-url", "", "OAuth URL")
	envFileParam := flag.String("env-file", "", "Path to env file")
	enableStdio := flag.Bool("stdio", false, "Enable stdio transport for MCP (disables stdout logging)")
	logFile := flag.String("log-file", "", "Path to log file (only used with stdio transport, otherwise logs to stdout)")
	storeFile := flag.String("store-file", "./data/store.json", "Path to the message store")
	pollInterval := flag.Duration("poll-interval", poller.DefaultInterval, "Delay between mailbox polls")
	pageSize := flag.Int64("page-size", poller.DefaultPageSize, "Number of recent messages listed per poll")
	dedupTTL := flag.Duration("dedup-ttl", dedup.DefaultTTL, "How long sent message ids are ignored by the poller")
	contextInbound := flag.Int("context-inbound", 1, "Inbound messages included in the reply context")
	contextOutbound := flag.Int("context-outbound", 1, "Outbound messages included in the reply context")
	llmTimeout := flag.Duration("llm-timeout", 60*time.Second, "Timeout for a reply generation call")
	sendTimeout := flag.Duration("send-timeout", 30*time.Second, "Timeout for sending a reply")
	ownerEmail := flag.String("owner-email", "", "Mailbox address, resolved from the account profile when empty")
	systemPromptFile := flag.String("system-prompt-file", "", "Path to the reply generator system prompt")

	flag.Parse()

	persistLogs := setupLogger(enableStdio, logFile)
	defer persistLogs()

	ln := mustListen(httpAddr)
	config := mustCreateOauthCfg(ln.Addr().String(), envFileParam, oauthURLParam)

	if oauthTokenFile == nil {
		panic("-oauth-token-file must be provided")
	}
	tok, err := auth.NewToken(config, *oauthTokenFile)
	if err != nil {
		panic(fmt.Errorf("auth.NewToken failed: %w", err))
	}

	tok.Refreshed().RegisterOnce(func(t *oauth2.Token) {
		log.Println("OAuth token obtained, expires", t.Expiry.Format(time.RFC3339))
		if err := tok.Persist(); err != nil {
			log.Println(fmt.Errorf("tok.Persist failed: %w", err))
		}
	})

	defer func() {
		log.Println("Persisting token if exists")
		if err := tok.Persist(); err != nil {
			log.Println(fmt.Errorf("tok.Persist failed: %w", err))
		}
	}()

	repo := store.NewFileStore(*storeFile)
	guard := dedup.NewGuard(*dedupTTL)
	defer guard.Stop()

	gmailSvc := gservice.NewGmail(tok)
	generator := mustCreateGenerator(systemPromptFile)
	sender := outbox.NewSender(gmailSvc, *ownerEmail)

	proc := thread.NewProcessor(repo, generator, sender, guard, thread.Config{
		ContextInbound:  *contextInbound,
		ContextOutbound: *contextOutbound,
		GenerateTimeout: *llmTimeout,
		SendTimeout:     *sendTimeout,
	})
	p := poller.New(gmailSvc, tok, repo, guard, proc, poller.Config{
		Interval: *pollInterval,
		PageSize: *pageSize,
		Owner:    *ownerEmail,
	})

	inspectT := tool.NewServer(repo)
	mcpHTTP := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server { return inspectT }, nil)

	mux := http.NewServeMux()
	mux.Handle("/oauth", auth.NewHTTPHandler(tok))
	mux.Handle("/messages", tool.NewMessagesHandler(repo))
	mux.Handle("/mcp", mcpHTTP)

	srv := &http.Server{
		Handler: mux,
	}

	shutdown := make(chan os.Signal, 1)

	signal.Notify(shutdown, syscall.SIGTERM, syscall.SIGINT)

	if _, err := tok.OAuthToken(); errors.Is(err, auth.ErrTokenNotSet) {
		openBrowser(config.RedirectURL)
	}

	stopHTTP, errHTTPCh := serveHTTP(srv, ln)
	defer stopHTTP()

	stopPoller := runPoller(p)
	defer stopPoller()

	var errStdioCh <-chan error
	if *enableStdio {
		var stopStdio func()
		stopStdio, errStdioCh = serveStdio(inspectT)
		defer stopStdio()
	}

	select {
	case err := <-errHTTPCh:
		log.Println("Error http server", err)
	case err := <-errStdioCh:
		log.Println("Error stdio", err)
	case <-shutdown:
		log.Println("Shutdown signal received")
	}
}

func runPoller(p *poller.Poller) func() {
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		log.Println("Starting poller")

		p.Run(ctx)
	}()

	return func() {
		cancel()

		<-done
		log.Println("Poller stopped")
	}
}

func serveStdio(srv *mcp.Server) (func(), <-chan error) {
	errStdioCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(errStdioCh)
		log.Println("Starting stdio transport")

		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
			err = fmt.Errorf("srv.Run failed: %w", err)
			errStdioCh <- err
		}
	}()

	return func() {
		cancel()

		<-errStdioCh
		log.Println("Stdio transport stopped")
	}, errStdioCh
}

func serveHTTP(srv *http.Server, ln net.Listener) (func(), <-chan error) {
	errHTTPCh := make(chan error, 1)
	go func() {
		defer close(errHTTPCh)

		log.Println("Starting http server on", ln.Addr().String())

		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			err = fmt.Errorf("srv.Serve failed: %w", err)
			log.Println(err)
			errHTTPCh <- err
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Println(fmt.Errorf("srv.Shutdown failed: %w", err))
		}

		<-errHTTPCh
		log.Println("HTTP server stopped")
	}, errHTTPCh
}

func mustListen(httpAddr *string) net.Listener {
	if httpAddr == nil {
		panic("-http-addr must be provided")
	}

	ln, err := net.Listen("tcp", *httpAddr)
	if err != nil {
		panic(fmt.Errorf("net.Listen failed: %w", err))
	}

	return ln
}

func mustCreateOauthCfg(lnAddr string, envFileParam, oauthURLParam *string) *oauth2.Config {
	if envFileParam != nil && *envFileParam != "" {
		if err := godotenv.Load(*envFileParam); err != nil {
			panic(fmt.Errorf("godotenv.Load failed: %w", err))
		}
	}

	oauthClientID := os.Getenv("OAUTH_GOOGLE_CLIENT_ID")
	oauthClientSec := os.Getenv("OAUTH_GOOGLE_CLIENT_SECRET")

	if oauthClientID == "" || oauthClientSec == "" {
		panic("Env variables OAUTH_GOOGLE_CLIENT_ID and OAUTH_GOOGLE_CLIENT_SECRET must be set")
	}

	oauthURL := fmt.Sprintf("http://%s/oauth", lnAddr)
	if oauthURLParam != nil && *oauthURLParam != "" {
		oauthURL = *oauthURLParam
	}

	return &oauth2.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSec,
		RedirectURL:  oauthURL,
		Scopes:       []string{gmail.GmailReadonlyScope, gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}
}

func mustCreateGenerator(systemPromptFile *string) *reply.Client {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		panic("Env variable LLM_API_KEY must be set")
	}

	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = defaultLLMModel
	}

	var prompt string
	if systemPromptFile != nil && *systemPromptFile != "" {
		raw, err := os.ReadFile(*systemPromptFile)
		if err != nil {
			panic(fmt.Errorf("os.ReadFile failed: %w", err))
		}
		prompt = string(raw)
	}

	return reply.NewClient(apiKey, os.Getenv("LLM_API_BASE"), model, prompt)
}

func setupLogger(enableStdio *bool, logFile *string) func() {
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			panic(fmt.Errorf("failed to open log file: %w", err))
		}
		log.SetOutput(f)

		return func() {
			if err := f.Close(); err != nil {
				log.Println(fmt.Errorf("f.Close failed: %w", err))
			}
		}
	}

	if *enableStdio {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(os.Stdout)
	}

	return func() {}
}

func openBrowser(url string) {
	url = fmt.Sprintf("%s?redirect=1", url)
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}

	if err != nil {
		log.Printf("Could not open browser automatically: %v; please copy and open link in the browser: %s\n", err, url)
	}
}
