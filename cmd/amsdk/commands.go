package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/blackcoderx/amsdk/pkg/core"
	"github.com/blackcoderx/amsdk/pkg/storage"
	"github.com/blackcoderx/amsdk/pkg/transport"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	queryFlags  map[string]string
	headerFlags map[string]string
	dataFlags   map[string]string
	fileFlags   map[string]string
	outputPath  string
	envName     string
	batchGroup  string
	loginUser   string
	loginPass   string
	loginAgency string
)

func init() {
	for _, cmd := range []*cobra.Command{getCmd, sendCmd, imageCmd, uploadCmd, downloadCmd} {
		cmd.Flags().StringToStringVarP(&queryFlags, "query", "q", nil, "Query parameter key=value (repeatable)")
		cmd.Flags().StringToStringVarP(&headerFlags, "header", "H", nil, "Custom header key=value (repeatable)")
	}
	for _, cmd := range []*cobra.Command{sendCmd, uploadCmd} {
		cmd.Flags().StringToStringVarP(&dataFlags, "data", "d", nil, "Body field key=value; JSON objects and arrays are embedded (repeatable)")
	}
	uploadCmd.Flags().StringToStringVarP(&fileFlags, "file", "f", nil, "Attachment field=path (repeatable)")
	_ = uploadCmd.MarkFlagRequired("file")
	for _, cmd := range []*cobra.Command{imageCmd, downloadCmd} {
		cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Local file to write")
		_ = cmd.MarkFlagRequired("output")
	}
	for _, cmd := range []*cobra.Command{runCmd, batchCmd} {
		cmd.Flags().StringVarP(&envName, "env", "e", "dev", "Environment to use for variable substitution")
	}
	batchCmd.Flags().StringVarP(&batchGroup, "group", "g", "", "Also send every saved call whose batch field matches this group")
	batchCmd.Flags().StringToStringVarP(&queryFlags, "query", "q", nil, "Query parameter of the batch call key=value (repeatable)")
	loginCmd.Flags().StringVarP(&loginUser, "username", "u", "", "Username (prompted when empty)")
	loginCmd.Flags().StringVarP(&loginPass, "password", "p", "", "Password (prompted when empty)")
	loginCmd.Flags().StringVar(&loginAgency, "login-agency", "", "Agency to sign in to (defaults to the configured agency)")

	rootCmd.AddCommand(getCmd, sendCmd, imageCmd, uploadCmd, downloadCmd, batchCmd, runCmd, listCmd, loginCmd, logoutCmd)
}

// withClient runs fn with a client and a context cancelled on interrupt. A token
// refreshed during fn is written back to the saved session.
func withClient(fn func(ctx context.Context, c *core.Client) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	before := c.Auth().Held()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err = fn(ctx, c)
	if userToken == "" {
		if serr := syncSession(c.Fs(), core.FolderName, before, c.Auth().Held()); serr != nil {
			c.Logger().Warn("failed to save session", "error", serr)
		}
	}
	return err
}

func show(ctx context.Context, r *core.Request) error {
	resp, err := await(ctx, r)
	if err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		return errSilent
	}
	printResponse(os.Stdout, resp)
	return nil
}

// errSilent fails the command after the error was already printed.
var errSilent = errors.New("request failed")

func params(m map[string]string) *transport.RequestParams {
	if len(m) == 0 {
		return nil
	}
	return transport.ParamsFromMap(m)
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Send a GET request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *core.Client) error {
			return show(ctx, c.Sender().Get(args[0], params(queryFlags), headerFlags, nil))
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <method> <path>",
	Short: "Send a request with any method; --data fields form the JSON body",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := strings.ToUpper(args[0])
		switch method {
		case core.MethodGet, core.MethodPost, core.MethodPut, core.MethodDelete:
		default:
			return fmt.Errorf("unsupported method %q", args[0])
		}
		return withClient(func(ctx context.Context, c *core.Client) error {
			r := c.Sender().Send(method, args[1], params(queryFlags), params(dataFlags), headerFlags, nil)
			return show(ctx, r)
		})
	},
}

var imageCmd = &cobra.Command{
	Use:   "image <path>",
	Short: "Fetch an image and write it to --output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *core.Client) error {
			resp, err := await(ctx, c.Sender().LoadImage(args[0], params(queryFlags), headerFlags, nil))
			if err != nil {
				fmt.Fprintln(os.Stderr, describeError(err))
				return errSilent
			}
			if err := afero.WriteFile(c.Fs(), outputPath, resp.Body, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outputPath, err)
			}
			fmt.Println(statusLine(resp))
			fmt.Printf("saved %s (%s, %d bytes)\n", outputPath, resp.ContentType, len(resp.Body))
			return nil
		})
	},
}

// progressDelegate prints download and upload progress to stderr.
func progressDelegate(name string) core.DownloadDelegate {
	return core.DelegateFuncs{
		Progress: func(written, total int64) {
			fmt.Fprint(os.Stderr, progressLine(name, written, total))
		},
		Success: func(*core.Response) { fmt.Fprintln(os.Stderr) },
		Failure: func(error) { fmt.Fprintln(os.Stderr) },
	}
}

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload attachments as a multipart request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *core.Client) error {
			r := c.Sender().UploadAttachments(args[0], params(queryFlags), dataFlags, fileFlags, headerFlags, nil)
			return show(ctx, r)
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <path>",
	Short: "Download a document to --output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *core.Client) error {
			r := c.Sender().DownloadAttachment(args[0], params(queryFlags), headerFlags, outputPath, progressDelegate(outputPath))
			return show(ctx, r)
		})
	},
}

func workspaceStore() *storage.Store {
	return storage.NewStore(afero.NewOsFs(), core.FolderName)
}

var runCmd = &cobra.Command{
	Use:   "run <saved-call>",
	Short: "Run a saved call from .amsdk/requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		calls, err := loadCalls(workspaceStore(), envName, args)
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *core.Client) error {
			var d core.DownloadDelegate
			if calls[0].Download != "" {
				d = progressDelegate(calls[0].Download)
			}
			r, err := execute(c, calls[0], d)
			if err != nil {
				return err
			}
			return show(ctx, r)
		})
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch [saved-call]...",
	Short: "Send several saved calls in one batch request",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := workspaceStore()
		names, err := batchNames(store, batchGroup, args)
		if err != nil {
			return err
		}
		calls, err := loadCalls(store, envName, names)
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *core.Client) error {
			return runBatch(ctx, os.Stdout, c, calls, queryFlags)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved calls and environments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := workspaceStore()
		calls, err := store.ListCalls()
		if err != nil {
			return err
		}
		envs, err := store.ListEnvironments()
		if err != nil {
			return err
		}
		fmt.Println(accentStyle.Render("Saved calls"))
		for _, name := range calls {
			fmt.Println("  " + name)
		}
		fmt.Println(accentStyle.Render("Environments"))
		for _, name := range envs {
			fmt.Println("  " + name)
		}
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with the password grant and save the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := promptCredentials(&loginUser, &loginPass, &loginAgency); err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *core.Client) error {
			tok, err := c.Auth().PasswordLogin(ctx, core.PasswordCredentials{
				Username: loginUser,
				Password: loginPass,
				Agency:   loginAgency,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, describeError(err))
				return errSilent
			}
			if err := saveSession(c.Fs(), core.FolderName, tok); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("Signed in as " + loginUser))
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := clearSession(afero.NewOsFs(), core.FolderName); err != nil {
			return err
		}
		fmt.Println("Signed out")
		return nil
	},
}
