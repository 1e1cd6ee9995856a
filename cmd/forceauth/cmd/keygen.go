package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kserw/forceauth-sub002/config"
	"github.com/kserw/forceauth-sub002/internal/util"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master secret for FORCEAUTH_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := util.RandomBytes(config.MinSecretLength)
		if err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
		defer util.WipeBytes(secret)
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(secret))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
