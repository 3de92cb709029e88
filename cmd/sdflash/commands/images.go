package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/softreck/sdflash/pkg/errors"
	"github.com/softreck/sdflash/pkg/storage"
)

var imagesCmd = &cobra.Command{
	Use:   "images s3://bucket[/prefix]",
	Short: "List images available in an S3 bucket",
	Args:  cobra.ExactArgs(1),
	RunE:  runImages,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
}

func runImages(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bucket, prefix, err := storage.ParseURI(args[0])
	if err != nil {
		return err
	}

	client, err := storage.NewClient(ctx, bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	keys, err := client.ListObjects(ctx, prefix)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(keys) == 0 {
		fmt.Println("No images found")
		return nil
	}
	for _, key := range keys {
		fmt.Printf("%s%s/%s\n", storage.Scheme, bucket, key)
	}
	return nil
}
