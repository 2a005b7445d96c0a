// feedcored ingests product-catalog feeds over FTP/SFTP and resolves each
// ingested row to a canonical product identity shared across sources.
package main

import (
	"os"

	"ironscout.dev/feedcore/cli"
	"ironscout.dev/feedcore/common"
)

func main() {
	if err := cli.Execute(); err != nil {
		common.Logger.WithError(err).Error("daemon exited with error")
		os.Exit(1)
	}
}
