package image

import (
	"strings"

	"github.com/caesium-cloud/lumen/cmd/remote"
	"github.com/caesium-cloud/lumen/internal/config"
	imagestatus "github.com/caesium-cloud/lumen/internal/image"
	"github.com/caesium-cloud/lumen/pkg/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Cmd is the parent command for image operations.
var Cmd = &cobra.Command{
	Use:   "image",
	Short: "Review and retry generated images",
}

var (
	listExecution string
	listStatuses  []string
	listLimit     int
	retryConfig   string
	retryMeta     bool
	retryPolicy   map[string]string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List images with their status labels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := client.ListOptions{Limit: listLimit}
		if listExecution != "" {
			id, err := uuid.Parse(listExecution)
			if err != nil {
				return err
			}
			opts.ExecutionID = id
		}
		for _, s := range listStatuses {
			opts.Statuses = append(opts.Statuses, imagestatus.Status(strings.TrimSpace(s)))
		}

		c, err := remote.Client()
		if err != nil {
			return err
		}
		list, err := c.Images().List(cmd.Context(), opts)
		if err != nil {
			return err
		}
		for _, img := range list.Images {
			detail := ""
			if img.Explanation != nil {
				detail = *img.Explanation
			}
			if err := remote.Printf(cmd, "%s\t%-13s\t%s\t%s\n", img.ID, img.QCStatus, img.Label, detail); err != nil {
				return err
			}
		}
		return remote.Printf(cmd, "%d of %d\n", len(list.Images), list.Total)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <image-id>",
	Short: "Approve a failed image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		c, err := remote.Client()
		if err != nil {
			return err
		}
		view, err := c.Images().SetStatus(cmd.Context(), id, imagestatus.Approved)
		if err != nil {
			return err
		}
		return remote.Printf(cmd, "%s\t%s\n", view.ID, view.Label)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <image-id>...",
	Short: "Re-run post-processing for failed images without regenerating them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.RetryRequest{
			RegenerateMetadata: retryMeta,
			Policy:             retryPolicy,
		}
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return err
			}
			req.ImageIDs = append(req.ImageIDs, id)
		}
		if retryConfig != "" {
			s, err := config.Load(retryConfig)
			if err != nil {
				return err
			}
			req.Processing = &s.Processing
		}

		c, err := remote.Client()
		if err != nil {
			return err
		}
		admission, err := c.Images().Retry(cmd.Context(), req)
		if err != nil {
			return err
		}
		if admission.Started {
			return remote.Printf(cmd, "retry batch %s started\n", admission.Item.ID)
		}
		return remote.Printf(cmd, "retry batch %s queued at position %d\n", admission.Item.ID, admission.Item.Position)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <image-id>",
	Short: "Delete an image and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		c, err := remote.Client()
		if err != nil {
			return err
		}
		if err := c.Images().Delete(cmd.Context(), id); err != nil {
			return err
		}
		return remote.Printf(cmd, "deleted %s\n", id)
	},
}

func init() {
	remote.AddServerFlag(Cmd)

	listCmd.Flags().StringVarP(&listExecution, "execution", "e", "", "only images of this execution")
	listCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "only images in these statuses")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum images to list")
	retryCmd.Flags().StringVarP(&retryConfig, "config", "c", "", "settings file whose processing section replaces the original settings")
	retryCmd.Flags().BoolVar(&retryMeta, "metadata", false, "regenerate metadata")
	retryCmd.Flags().StringToStringVar(&retryPolicy, "policy", nil, "per-step fail modes, e.g. trim=soft,convert=hard")

	Cmd.AddCommand(listCmd, approveCmd, retryCmd, deleteCmd)
}
