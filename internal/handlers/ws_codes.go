// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the room handler.
const (
	BadSubprotocolError websocket.StatusCode = 3000 // Client connected with an unsupported subprotocol.
	NameTakenError      websocket.StatusCode = 3001 // A connected member already uses the requested name.
	InvalidNameError    websocket.StatusCode = 3002 // Player or room name is empty or contains reserved characters.
	RoomClearedError    websocket.StatusCode = 3003 // The room was removed while the socket was open.
	JoinFailedError     websocket.StatusCode = 3004 // The store could not be reached while joining.
)
