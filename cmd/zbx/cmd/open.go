package cmd

import (
	"github.com/spf13/viper"

	"github.com/zb-project/zb"
)

func openInstaller() (*zb.Installer, error) {
	var opts []zb.Option
	if root := viper.GetString("root"); root != "" {
		opts = append(opts, zb.WithRoot(root))
	}
	if prefix := viper.GetString("prefix"); prefix != "" {
		opts = append(opts, zb.WithPrefix(prefix))
	}
	if url := viper.GetString("api_base_url"); url != "" {
		opts = append(opts, zb.WithAPIBaseURL(url))
	}
	return zb.Open(opts...)
}
