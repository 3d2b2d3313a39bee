// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix that is used for configuration,
// so --mqtt-broker can also be set as LORABRIDGE_MQTT_BROKER
const EnvPrefix = "lorabridge"

// ConfigName is the file name (without extension) searched for when --config is not given
const ConfigName = "lora-mqtt-bridge"

var cfgFile string

var config = viper.GetViper()

func initConfig() {
	config.SetEnvPrefix(EnvPrefix)
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	config.AutomaticEnv()
	config.BindEnv("debug")
	config.SetDefault("id", defaultID())

	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	} else {
		config.SetConfigName(ConfigName)
		config.AddConfigPath("/etc/lora-mqtt-bridge")
		config.AddConfigPath("$HOME/.config")
		config.AddConfigPath(".")
	}

	err := config.ReadInConfig()
	switch err.(type) {
	case nil:
		fmt.Fprintln(os.Stderr, "Using config file:", config.ConfigFileUsed())
	case viper.ConfigFileNotFoundError:
		// running on flags and environment only
	default:
		fmt.Fprintln(os.Stderr, "Error when reading config file:", err)
	}
}

// defaultID identifies this bridge in Redis rate limit keys
func defaultID() string {
	id := "unknown"
	if u, err := user.Current(); err == nil {
		id = u.Username
	}
	if hostname, err := os.Hostname(); err == nil {
		id += "@" + hostname
	}
	return id
}
