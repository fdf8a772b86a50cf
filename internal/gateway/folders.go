// ABOUTME: HTTP handlers for sidebar folders
// ABOUTME: Deleting a folder moves its conversations back to the unsorted list

package gateway

import (
	"net/http"

	"github.com/2389/llmconnect/internal/store"
)

// FolderRequest is the JSON request body for POST /api/folders and PATCH /api/folders/{id}.
type FolderRequest struct {
	Name  string  `json:"name"`
	Color *string `json:"color,omitempty"`
	Icon  string  `json:"icon,omitempty"`
}

// ListFoldersResponse is the JSON response for GET /api/folders.
type ListFoldersResponse struct {
	Folders []store.Folder `json:"folders"`
}

func (g *Gateway) handleListFolders(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, ListFoldersResponse{Folders: g.conversations.ListFolders()})
}

func (g *Gateway) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req FolderRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	folder, err := g.conversations.CreateFolder(r.Context(), req.Name, req.Color, req.Icon)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, folder)
}

func (g *Gateway) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	var req FolderRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	folder, err := g.conversations.RenameFolder(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, folder)
}

func (g *Gateway) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := g.conversations.DeleteFolder(r.Context(), r.PathValue("id")); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
