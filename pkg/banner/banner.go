package banner

import (
	"fmt"

	"bridgecache/pkg/config"
)

const banner = `
██████╗ ██████╗ ██╗██████╗  ██████╗ ███████╗ ██████╗ █████╗  ██████╗██╗  ██╗███████╗
██╔══██╗██╔══██╗██║██╔══██╗██╔════╝ ██╔════╝██╔════╝██╔══██╗██╔════╝██║  ██║██╔════╝
██████╔╝██████╔╝██║██║  ██║██║  ███╗█████╗  ██║     ███████║██║     ███████║█████╗
██╔══██╗██╔══██╗██║██║  ██║██║   ██║██╔══╝  ██║     ██╔══██║██║     ██╔══██║██╔══╝
██████╔╝██║  ██║██║██████╔╝╚██████╔╝███████╗╚██████╗██║  ██║╚██████╗██║  ██║███████╗
╚═════╝ ╚═╝  ╚═╝╚═╝╚═════╝  ╚═════╝ ╚══════╝ ╚═════╝╚═╝  ╚═╝ ╚═════╝╚═╝  ╚═╝╚══════╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(cfg *config.Config, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:    %s\n", cfg.Addr())
	fmt.Printf("Cache:     %s\n", cfg.Server.DBPath)
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	fmt.Printf("Msg TTL:   %s\n", cfg.Cache.MessageTTL.Duration())
	fmt.Printf("Conv TTL:  %s\n", cfg.Cache.ConversationTTL.Duration())
	if cfg.Retention.Enabled {
		fmt.Printf("Retention: enabled (cron=%s)\n", cfg.Retention.Cron)
	} else {
		fmt.Println("Retention: disabled")
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /healthz - daemon health")
	fmt.Println("GET  /v1/conversations - cached conversation list (decrypted)")
	fmt.Println("GET  /v1/conversations/{pubkey}/messages - cached timeline")
	fmt.Println("POST /v1/ingest - feed a decrypted message through the merge")
	fmt.Println("GET  /metrics - prometheus metrics")

	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl 'http://%s/v1/conversations'\n", cfg.Addr())
	fmt.Printf("curl -X POST 'http://%s/v1/retention/run'\n", cfg.Addr())
	fmt.Println()
}
