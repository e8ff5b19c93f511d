package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	weberrors "github.com/lk2023060901/tilestone/pkg/web/errors"
)

// BindAndValidate 绑定请求体并校验
//
// 校验失败直接写出 400 响应并返回 false，
// 调用方无需再处理错误分支。
func BindAndValidate(c *gin.Context, obj any) bool {
	if err := c.ShouldBind(obj); err != nil {
		// 字段校验错误，带上具体的校验信息
		if errs, ok := err.(validator.ValidationErrors); ok {
			Error(c, http.StatusBadRequest, weberrors.CodeInvalidParams, errs.Error())
			return false
		}
		// 其他绑定错误（JSON 解析失败等）
		Error(c, http.StatusBadRequest, weberrors.CodeInvalidParams, "invalid request parameters: "+err.Error())
		return false
	}
	return true
}

// GetQuery 获取查询参数，空值回退到默认值
func GetQuery(c *gin.Context, key, defaultValue string) string {
	val := c.Query(key)
	if val == "" {
		return defaultValue
	}
	return val
}
