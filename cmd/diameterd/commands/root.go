package commands

import (
	"github.com/spf13/cobra"

	"github.com/nordictel/diameter/src/config"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for the diameter node
var RootCmd = &cobra.Command{
	Use:              "diameterd",
	Short:            "diameter base-protocol peer node",
	TraverseChildren: true,
}
