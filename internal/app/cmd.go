package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/tripcarbon/internal/config"
	"github.com/hitoshi/tripcarbon/internal/model"
	"github.com/hitoshi/tripcarbon/internal/session"
	"github.com/hitoshi/tripcarbon/internal/validation"
)

// ErrOperationFailed はサガ操作が失敗メッセージ付きで終わったことを表す。
// メッセージは出力済みのため、呼び出し側は終了コードだけを決めればよい。
var ErrOperationFailed = errors.New("operation failed")

// Options はルートコマンドの入出力。
type Options struct {
	Out io.Writer
	Err io.Writer
	// Prompterがnilの場合は対話入力を行わない
	Prompter Prompter
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := NewRootCommand(Options{
		Out:      stdout,
		Err:      stderr,
		Prompter: NewHuhPrompter(),
	})
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type cli struct {
	opts    Options
	output  string
	noInput bool
}

// NewRootCommand はtripcarbonのコマンドツリーを構築する。
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	c := &cli{opts: opts}

	root := &cobra.Command{
		Use:           "tripcarbon",
		Short:         "Manage your tripcarbon account session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)
	root.PersistentFlags().StringVarP(&c.output, "output", "o", OutputText, "output format (text|json)")
	root.PersistentFlags().BoolVar(&c.noInput, "no-input", false, "never prompt for missing values")

	root.AddCommand(
		c.signUpCommand(),
		c.loginCommand(),
		c.verifyCommand(),
		c.resendVerificationCommand(),
		c.federatedCommand(),
		c.logoutCommand(),
		c.resetPasswordCommand(),
		c.refreshCommand(),
		c.statusCommand(),
		c.serveCommand(),
		c.migrateCommand(),
		c.healthcheckCommand(),
	)
	return root
}

// prompter は対話入力が有効な場合のPrompterを返す。
func (c *cli) prompter() Prompter {
	if c.noInput {
		return nil
	}
	return c.opts.Prompter
}

// openURL はGoogleサインインの認証URLを提示する。
func (c *cli) openURL(url string) error {
	_, err := fmt.Fprintf(c.opts.Err, "Open this URL in your browser to sign in with Google:\n\n  %s\n\n", url)
	return err
}

// withSession はRuntimeを組み立てて永続化された状態を復元し、opを実行して結果を出力する。
func (c *cli) withSession(cmd *cobra.Command, op func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error)) error {
	ctx := cmd.Context()

	cfg, err := Init(c.opts.Err)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	rt, err := NewRuntime(ctx, cfg, c.openURL, slog.Default())
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			slog.Error("failed to close runtime", slog.String("error", cerr.Error()))
		}
	}()

	rt.Controller.Start(ctx)

	if _, err := op(ctx, rt.Controller); err != nil {
		return err
	}

	// 確認メールの送信結果を出力に含める
	rt.Controller.Wait()
	snap := rt.Controller.Snapshot()

	if err := printSnapshot(c.opts.Out, c.output, snap); err != nil {
		return err
	}
	if snap.Message != "" {
		return ErrOperationFailed
	}
	return nil
}

// awaitVerification はメール確認待ちの間、ユーザーの選択に応じて再チェックと再送を繰り返す。
func (c *cli) awaitVerification(ctx context.Context, ctrl *session.Controller, snap model.Snapshot) (model.Snapshot, error) {
	p := c.prompter()
	if p == nil {
		return snap, nil
	}

	for snap.State == model.StatePendingVerification {
		action, err := p.PendingAction(snap.PendingEmail)
		if err != nil {
			if errors.Is(err, ErrPromptAborted) {
				return snap, nil
			}
			return snap, err
		}

		switch action {
		case ActionCheck:
			snap = ctrl.VerifyEmail(ctx)
		case ActionResend:
			snap = ctrl.ResendVerification(ctx)
		default:
			return snap, nil
		}

		if snap.State == model.StatePendingVerification {
			if snap.Message != "" {
				fmt.Fprintln(c.opts.Err, snap.Message)
			} else if snap.Info != "" {
				fmt.Fprintln(c.opts.Err, snap.Info)
			}
		}
	}
	return snap, nil
}

// loginForm はフラグの値を元に、未入力項目があれば対話的に補完したLoginFormを返す。
func (c *cli) loginForm(email, password string) (validation.LoginForm, error) {
	form := validation.LoginForm{Email: email, Password: password}
	if p := c.prompter(); p != nil && (form.Email == "" || form.Password == "") {
		if err := p.Login(&form); err != nil {
			return form, err
		}
	}
	return form, nil
}

func (c *cli) signUpCommand() *cobra.Command {
	var form validation.SignUpForm
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and wait for email verification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if p := c.prompter(); p != nil && signUpIncomplete(form) {
				if err := p.SignUp(&form); err != nil {
					return err
				}
			}
			return c.withSession(cmd, func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error) {
				snap := ctrl.SignUp(ctx, form)
				return c.awaitVerification(ctx, ctrl, snap)
			})
		},
	}
	cmd.Flags().StringVar(&form.Email, "email", "", "email address")
	cmd.Flags().StringVar(&form.Password, "password", "", "password (prompted if omitted)")
	cmd.Flags().StringVar(&form.RepeatPassword, "repeat-password", "", "password again (prompted if omitted)")
	cmd.Flags().StringVar(&form.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&form.LastName, "last-name", "", "last name")
	return cmd
}

func signUpIncomplete(f validation.SignUpForm) bool {
	return f.Email == "" || f.Password == "" || f.RepeatPassword == "" || f.FirstName == "" || f.LastName == ""
}

func (c *cli) loginCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			form, err := c.loginForm(email, password)
			if err != nil {
				return err
			}
			return c.withSession(cmd, func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error) {
				snap := ctrl.Login(ctx, form)
				return c.awaitVerification(ctx, ctrl, snap)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted if omitted)")
	return cmd
}

// verifyCommand は確認待ちの状態はプロセスをまたいで保持されないため、
// サインインしてから確認状態を再読み込みする。
func (c *cli) verifyCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Sign in and complete email verification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			form, err := c.loginForm(email, password)
			if err != nil {
				return err
			}
			return c.withSession(cmd, func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error) {
				snap := ctrl.Login(ctx, form)
				if snap.State != model.StatePendingVerification {
					return snap, nil
				}
				return ctrl.VerifyEmail(ctx), nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted if omitted)")
	return cmd
}

func (c *cli) resendVerificationCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "resend-verification",
		Short: "Sign in and send the verification email again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			form, err := c.loginForm(email, password)
			if err != nil {
				return err
			}
			return c.withSession(cmd, func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error) {
				snap := ctrl.Login(ctx, form)
				if snap.State != model.StatePendingVerification {
					return snap, nil
				}
				return ctrl.ResendVerification(ctx), nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted if omitted)")
	return cmd
}

func (c *cli) federatedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "federated",
		Short: "Sign in with Google",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error) {
				return ctrl.FederatedSignIn(ctx), nil
			})
		},
	}
}

func (c *cli) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the local session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error) {
				return ctrl.Logout(ctx), nil
			})
		},
	}
}

func (c *cli) resetPasswordCommand() *cobra.Command {
	var form validation.PasswordResetForm
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Send a password reset email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if p := c.prompter(); p != nil && form.Email == "" {
				if err := p.PasswordReset(&form); err != nil {
					return err
				}
			}
			return c.withSession(cmd, func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error) {
				return ctrl.ResetPassword(ctx, form), nil
			})
		},
	}
	cmd.Flags().StringVar(&form.Email, "email", "", "email address")
	return cmd
}

func (c *cli) refreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the cached profile from the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error) {
				return ctrl.RefreshProfile(ctx), nil
			})
		},
	}
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, ctrl *session.Controller) (model.Snapshot, error) {
				return ctrl.Snapshot(), nil
			})
		},
	}
}

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local session API on the loopback interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(c.opts.Err)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}

			slog.Info("starting application",
				slog.String("command", "serve"),
				slog.String("port", cfg.ServerPort),
				slog.String("cache_backend", cfg.CacheBackend),
			)

			// サーバーではGoogleの認証URLをログに出す
			open := func(url string) error {
				slog.Info("open this URL in a browser to sign in with Google", slog.String("url", url))
				return nil
			}
			rt, err := NewRuntime(cmd.Context(), cfg, open, slog.Default())
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			defer rt.Close()

			return runServe(cmd.Context(), rt)
		},
	}
}

func (c *cli) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL cache schema",
	}

	direction := func(name, short string) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := Init(c.opts.Err)
				if err != nil {
					return fmt.Errorf("initialization failed: %w", err)
				}
				return runMigrate(cfg, name)
			},
		}
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(c.opts.Err)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			v, dirty, err := migrationVersion(cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.opts.Out, "version: %d\ndirty: %t\n", v, dirty)
			return err
		},
	}

	cmd.AddCommand(
		direction("up", "Apply all pending migrations"),
		direction("down", "Roll back all migrations"),
		version,
	)
	return cmd
}

// healthcheckCommand は軽量サブコマンドのため、フル初期化をスキップする。
func (c *cli) healthcheckCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check that the local session API is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				port = cfg.ServerPort
			}
			return runHealthcheck(cmd.Context(), fmt.Sprintf("http://127.0.0.1:%s/health", port))
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "local session API port (defaults to SERVER_PORT)")
	return cmd
}
