// Package client provides the `coboard` command-line client.
//
// The CLI talks to the coboard HTTP API to perform board and object
// operations from a terminal. It is primarily intended for developers
// and operators.
//
// Installation
//
//	go install github.com/rzbill/coboard/cmd/coboard@latest
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to http://127.0.0.1:8080 and can be overridden with the
// COBOARD_HTTP environment variable.
//
// Usage
//
//	coboard board create --name design-review
//	coboard board list
//
//	coboard object create --board design-review --author alice \
//	    --kind rect --x 10 --y 20 --width 100 --height 50 --fill '#ff0000'
//
//	coboard object update --board design-review --author alice \
//	    --id OBJECT_ID --patch '{"x":42}' --cond owner_is --owner alice
//
//	coboard object list --board design-review
//	coboard object delete --board design-review --author alice --id OBJECT_ID
//
//	# Tail the change feed; resume from a seq and filter server-side
//	coboard object watch --board design-review --from 10 \
//	    --filter 'type == "update" && author != "alice"'
//
// Notes
//
//   - update conditions map to the store's conditional writes: owner_is_none
//     succeeds only when the object is unowned (or its lease expired),
//     owner_is pins the write to the given holder. Condition failures
//     surface as HTTP 409.
//   - watch prints one JSON event per line and exits after --limit events.
package client
