package cli

import (
	"github.com/xxxsen/otolib/internal/config"
)

var defaultKeyList = []string{
	"./config.json",
	"/etc/otolib.json",
}

func LoadConfig(explicit string) (*config.Config, error) {
	keyLists := append([]string{explicit}, defaultKeyList...)
	return config.LoadFirst(keyLists...)
}
