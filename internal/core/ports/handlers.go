package ports

import "github.com/gin-gonic/gin"

// HTTPHandler is implemented by every handler group mounted on the router.
type HTTPHandler interface {
	RegisterRoutes(rg *gin.RouterGroup)
}
