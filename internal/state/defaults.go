package state

import "encoding/json"

const defaultStateJSON = `{
	"user": {
		"isAuthenticated": false,
		"profile": null,
		"sessionExpiresAt": null,
		"preferences": {"theme": "light", "currency": "USD", "notifications": true}
	},
	"market": {
		"prices": {},
		"watchlist": [],
		"selectedSymbol": null,
		"connection": {"status": "disconnected"},
		"lastUpdated": null
	},
	"portfolio": {
		"holdings": [],
		"cash": 0,
		"totalValue": 0,
		"dayChange": 0,
		"lastUpdated": null
	},
	"ui": {
		"activeView": "dashboard",
		"modal": null,
		"loading": false,
		"notifications": []
	},
	"app": {
		"online": true,
		"lastSync": null,
		"serviceData": {}
	}
}`

// DefaultState returns a fresh copy of the initial application state.
func DefaultState() Tree {
	var tree Tree
	if err := json.Unmarshal([]byte(defaultStateJSON), &tree); err != nil {
		panic(err)
	}
	return tree
}
