// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

// Version of the bridge, set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

var ctx *log.Logger

var logFile *os.File

// VersionCmd prints the version of the bridge
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the bridge",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lora-mqtt-bridge %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

// Execute runs the bridge command and stops with a fatal log line on panic
func Execute() {
	defer func() {
		thePanic := recover()
		if thePanic == nil {
			return
		}
		stack := make([]byte, 1<<16)
		stack = stack[:runtime.Stack(stack, false)]
		if ctx == nil {
			panic(thePanic)
		}
		ctx.WithField("panic", thePanic).WithField("stack", string(stack)).Fatal("Stopping because of panic")
	}()

	if err := BridgeCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	BridgeCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Location of the config file")
	BridgeCmd.AddCommand(VersionCmd)
}
