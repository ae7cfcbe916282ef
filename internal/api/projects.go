package api

import "net/http"

type projectResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// projectsHandler answers GET /api/public/projects. xtrace has no
// multi-tenant project directory (Non-goal: "multi-tenancy beyond a
// single configured project id"); SDKs call this route purely to verify
// their credentials, so a successful response always names the one
// configured project.
func projectsHandler(defaultProjectID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeSuccess(w, http.StatusOK, []projectResponse{
			{ID: defaultProjectID, Name: defaultProjectID},
		}, nil)
	})
}
