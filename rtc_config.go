package agentcall

import (
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
)

// GetSTUNOnlyRTCConfiguration uses the given STUN servers, falling back to
// STUN_SERVER_URL and then to DefaultSTUNServer. No TURN relay is used.
func GetSTUNOnlyRTCConfiguration(urls ...string) webrtc.Configuration {
	servers := make([]string, 0, len(urls))
	for _, url := range urls {
		if url = strings.TrimSpace(url); url != "" {
			servers = append(servers, url)
		}
	}

	if len(servers) == 0 {
		if env := os.Getenv("STUN_SERVER_URL"); env != "" {
			servers = append(servers, env)
		} else {
			servers = append(servers, DefaultSTUNServer)
		}
	}

	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: servers,
			},
		},
	}
}

func (c *Config) RTCConfiguration() webrtc.Configuration {
	return GetSTUNOnlyRTCConfiguration(c.STUNServers...)
}
