package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/antigravity/internal/models"
	"github.com/normanking/antigravity/internal/orchestrator"
	"github.com/normanking/antigravity/internal/server"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	installedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	downloadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(cfg, log.Zerolog())
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

// printStatus prints a model-management status string, red when it reports
// a failure.
func printStatus(status string) {
	if strings.HasPrefix(status, "Error") || strings.HasPrefix(status, "Failed") {
		fmt.Println(errorStyle.Render(status))
		return
	}
	fmt.Println(status)
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				zl := a.log.With().Str("component", "serve").Logger()

				report, err := a.orch.Startup(ctx, cfg.Preferences.AutoLoad)
				if err != nil {
					return err
				}
				if report.Status != "" {
					zl.Info().Str("model", report.Model).Msg(report.Status)
				}

				watcher, err := models.NewWatcher(a.registry, a.log)
				if err != nil {
					zl.Warn().Err(err).Msg("model directory watching disabled")
				} else if err := watcher.Start(ctx); err != nil {
					watcher.Stop()
					zl.Warn().Err(err).Msg("model directory watching disabled")
				} else {
					a.watcher = watcher
					defer func() {
						watcher.Stop()
						st := watcher.Stats()
						zl.Debug().
							Int("events", st.Events).
							Int("rescans", st.Rescans).
							Int("errors", st.Errors).
							Msg("model watcher stopped")
					}()
				}

				srvCfg := server.DefaultConfig()
				srvCfg.Addr = cfg.Server.Addr
				if addr != "" {
					srvCfg.Addr = addr
				}
				srvCfg.Version = version
				srvCfg.Personality = cfg.Preferences.Personality
				srvCfg.VoiceID = cfg.Preferences.VoiceID

				device := a.detector.Detect(ctx)
				zl.Info().
					Str("device", device.String()).
					Float64("capacity_gb", device.CapacityGB()).
					Strs("roots", a.registry.Roots()).
					Msg("ready")

				return server.New(srvCfg, a.orch, a.stt, a.promReg, a.log).ListenAndServe(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHAT COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func chatCmd() *cobra.Command {
	var (
		sessionID   string
		personality string
		model       string
		voice       bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat in the terminal (one message, or interactive when none is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if model != "" {
					printStatus(a.orch.LoadModel(ctx, model))
				}
				if personality == "" {
					personality = cfg.Preferences.Personality
				}

				req := orchestrator.TurnRequest{
					SessionID:    sessionID,
					Personality:  personality,
					VoiceEnabled: voice,
					VoiceID:      cfg.Preferences.VoiceID,
				}

				if len(args) > 0 {
					req.Text = strings.Join(args, " ")
					_, err := runChatTurn(ctx, a.orch, req)
					return err
				}

				fmt.Println(titleStyle.Render("antigravity chat") + dimStyle.Render("  (Ctrl+D to exit)"))
				scanner := bufio.NewScanner(os.Stdin)
				for {
					fmt.Print("> ")
					if !scanner.Scan() {
						fmt.Println()
						return scanner.Err()
					}
					req.Text = scanner.Text()
					sid, err := runChatTurn(ctx, a.orch, req)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					if err != nil {
						return err
					}
					if sid != "" {
						req.SessionID = sid
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing session")
	cmd.Flags().StringVar(&personality, "personality", "", "assistant personality ("+strings.Join(orchestrator.Personalities(), ", ")+")")
	cmd.Flags().StringVar(&model, "model", "", "load this model before chatting")
	cmd.Flags().BoolVar(&voice, "voice", false, "synthesize replies with the configured voice")
	return cmd
}

// runChatTurn prints the reply as it streams and returns the session id.
func runChatTurn(ctx context.Context, orch *orchestrator.Orchestrator, req orchestrator.TurnRequest) (string, error) {
	var (
		printed string
		last    orchestrator.Update
	)
	for u, err := range orch.SubmitTurn(ctx, req) {
		if err != nil {
			fmt.Println()
			return last.SessionID, err
		}
		last = u
		if len(u.History) == 0 || u.State == orchestrator.StateDispatched {
			continue
		}
		reply := u.History[len(u.History)-1].Assistant.Markdown()
		switch {
		case strings.HasPrefix(reply, printed):
			fmt.Print(reply[len(printed):])
		default:
			fmt.Print("\n" + reply)
		}
		printed = reply
		if u.Audio != nil {
			fmt.Println()
			fmt.Print(dimStyle.Render("♪ " + u.Audio.Path))
		}
		if u.VoiceError != "" {
			fmt.Println()
			fmt.Print(errorStyle.Render("voice: " + u.VoiceError))
		}
	}
	if last.SessionID != "" {
		fmt.Println()
	}
	return last.SessionID, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List, load and download models",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List installed models and downloadable recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				device := a.detector.Detect(ctx)
				fmt.Println(titleStyle.Render("Models") + dimStyle.Render("  "+device.String()))
				names := a.orch.ListModels(ctx)
				if len(names) == 0 {
					fmt.Println(dimStyle.Render("  no models found in " + strings.Join(a.registry.Roots(), ", ")))
					return nil
				}
				for _, name := range names {
					if _, tagged := models.ParseTagged(name); tagged {
						fmt.Println("  " + downloadStyle.Render(name))
						continue
					}
					fmt.Println("  " + installedStyle.Render(name))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "load <name>",
		Short: "Load a model into the text engine (downloads tagged catalog entries first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				printStatus(a.orch.LoadModel(ctx, args[0]))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add-root <dir>",
		Short: "Add a directory to the model search path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				printStatus(a.orch.AddSearchRoot(args[0]))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "download [name]",
		Short: "Download a catalog model, or list the ones that fit this machine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if len(args) == 0 {
					for _, c := range a.orch.ListDownloadable(ctx) {
						fmt.Println("  " + downloadStyle.Render(c.Name) + dimStyle.Render("  "+c.URL))
					}
					return nil
				}
				last := -1
				status := a.orch.Materialize(ctx, args[0], func(p float64) {
					pct := int(p * 100)
					if pct != last {
						last = pct
						fmt.Printf("\r  %3d%%", pct)
					}
				})
				fmt.Println()
				printStatus(status)
				return nil
			})
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune chat sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				list, err := a.store.ListRecent(ctx)
				if err != nil {
					return err
				}
				for _, s := range list {
					fmt.Printf("%s  %s  %s\n", dimStyle.Render(s.CreatedAt.Local().Format("2006-01-02 15:04")), s.ID, s.Title)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				sess, err := a.store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(titleStyle.Render(sess.Title))
				for _, turn := range sess.History {
					fmt.Println(installedStyle.Render("you: ") + turn.UserMessage)
					fmt.Println(dimStyle.Render("ai:  ") + turn.Assistant.Markdown())
					fmt.Println()
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.store.Delete(ctx, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Remove sessions with no turns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				n, err := a.store.CleanupEmpty(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d empty sessions\n", n)
				return nil
			})
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// VOICES AND CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func voicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List synthesis voices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				for _, v := range a.orch.ListVoices() {
					if v == cfg.Preferences.VoiceID {
						fmt.Println(installedStyle.Render(v + " *"))
						continue
					}
					fmt.Println(v)
				}
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Println(titleStyle.Render("antigravity configuration"))
			fmt.Print(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(cfg.Path())
		},
	})

	return cmd
}
