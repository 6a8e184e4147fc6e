package main

import (
	"github.com/mattermost/mattermost/server/public/plugin"
)

// manifestID is the plugin id from plugin.json
const manifestID = "com.mattermost.plugin-safety"

func main() {
	plugin.ClientMain(&Plugin{})
}
