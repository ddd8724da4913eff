package errs

// ===== 错误码分段 =====
// 11xx 鉴权/权限；12xx 资源；13xx 通知；14xx 投递/背板

var (
	// 兜底码：没带码的错误统一归这里，不向客户端泄露内部信息
	ErrInternal = NewCodeError(1000, "internal error")

	// —— 鉴权/权限 ——
	ErrTokenInvalid     = NewCodeError(1101, "token invalid")
	ErrTokenExpired     = NewCodeError(1102, "token expired")
	ErrUnauthorized     = NewCodeError(1103, "namespace unauthorized")     // 能力集不含目标 namespace
	ErrPermissionDenied = NewCodeError(1104, "permission denied")          // 被禁言/角色不足
	ErrUnknownEvent     = NewCodeError(1105, "unknown event for namespace")

	// —— 资源 ——
	ErrConversationNotFound = NewCodeError(1201, "conversation not found")
	ErrParticipantNotFound  = NewCodeError(1202, "participant not found")
	ErrNotificationNotFound = NewCodeError(1203, "notification not found")
	ErrConversationArchived = NewCodeError(1204, "conversation archived")

	// —— 通知 ——
	ErrExpiredAtCreation = NewCodeError(1301, "notification expired at creation")

	// —— 投递/背板 ——
	ErrBackplaneUnavailable = NewCodeError(1401, "backplane unavailable") // 降级为本地投递，不致命
	ErrDuplicateDelivery    = NewCodeError(1402, "duplicate delivery")    // 内部吞掉，不外抛
	ErrPayloadInvalid       = NewCodeError(1403, "payload invalid")
	ErrRetryExhausted       = NewCodeError(1404, "retry exhausted")
)
