package wire

import "fmt"

// Room names scope which connections receive which events. A room exists the
// moment it has one member and evaporates when the last member leaves.

// DocumentRoom names the broadcast room for one document. Canvas mutations
// ride the document room as well: clients join a document once and receive
// both text and canvas updates there.
func DocumentRoom(documentID string) string {
	return "document:" + documentID
}

// SlideRoom names the broadcast room for one slide deck.
func SlideRoom(slideID string) string {
	return "slide:" + slideID
}

// OrgRoom names the organization-wide presence room.
func OrgRoom(organizationID string) string {
	return "org:" + organizationID
}

// ChatRoom names the chat room for one project.
func ChatRoom(projectID string) string {
	return fmt.Sprintf("project:%s:chat", projectID)
}

// Snapshot entity keys. Document text and canvas data for the same document
// persist under distinct keys so a flush of one never clobbers the other.

// DocumentEntity keys the persisted text snapshot of a document.
func DocumentEntity(documentID string) string {
	return "document:" + documentID
}

// SlideEntity keys the persisted structured snapshot of a slide deck.
func SlideEntity(slideID string) string {
	return "slide:" + slideID
}

// CanvasEntity keys the persisted canvas snapshot of a document.
func CanvasEntity(documentID string) string {
	return "canvas:" + documentID
}
