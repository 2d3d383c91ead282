package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/stocktake_backend/models"
	"bitbucket.org/mmdatafocus/stocktake_backend/utils"
	"github.com/gin-gonic/gin"
)

// DeviceMiddleware resolves the device token header into the request context.
// Routes without a token pass through; RequireDevice gates the ones that need it.
func DeviceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("X-Device-Token")
		if token == "" {
			c.Next()
			return
		}
		deviceId, ok := models.ResolveDeviceToken(c.Request.Context(), token)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		device, err := models.GetDeviceById(c.Request.Context(), deviceId)
		if err != nil || (device.IsActive != nil && !*device.IsActive) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetDeviceIdInContext(ctx, deviceId)
		ctx = utils.SetDeviceNameInContext(ctx, device.Name)
		ctx = utils.SetStoreIdInContext(ctx, device.StoreId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireDevice rejects requests that did not authenticate as a device.
func RequireDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetDeviceIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "device token required"})
			c.Abort()
			return
		}
		c.Next()
	}
}
