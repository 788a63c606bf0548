// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marhaba-chat-go/internal/config"
	"marhaba-chat-go/internal/handler"
	"marhaba-chat-go/internal/memory"
	"marhaba-chat-go/internal/middleware"
	"marhaba-chat-go/internal/model"
	"marhaba-chat-go/internal/repository"
	"marhaba-chat-go/internal/service"
	"marhaba-chat-go/pkg/database"
	"marhaba-chat-go/pkg/events"
	"marhaba-chat-go/pkg/llm"
	"marhaba-chat-go/pkg/log"
	"marhaba-chat-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(&model.User{}, &model.Exchange{}, &model.UserSummary{}); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	events.InitProducer(cfg.Kafka)
	defer events.Close()

	// 4. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	exchangeRepository := repository.NewExchangeRepository(database.DB)
	summaryRepository := repository.NewSummaryRepository(database.DB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	llmClient := llm.NewClient(cfg.LLM)
	sessionManager := memory.NewManager(cfg.Chat.Session.MaxEntries)
	userService := service.NewUserService(userRepository, jwtManager)
	chatService := service.NewChatService(llmClient, exchangeRepository, summaryRepository, sessionManager, cfg.Chat, cfg.LLM)
	conversationService := service.NewConversationService(exchangeRepository, summaryRepository, sessionManager)

	// 6. 初始化 Handler
	authHandler := handler.NewAuthHandler(userService)
	chatHandler := handler.NewChatHandler(chatService, userService, llmClient, jwtManager)
	conversationHandler := handler.NewConversationHandler(conversationService)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组 (公开访问)
		auth := apiV1.Group("/auth")
		{
			auth.POST("/signup", authHandler.Signup)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refreshToken", authHandler.RefreshToken)
		}

		// Users 路由组，需要认证
		users := apiV1.Group("/users")
		users.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			users.GET("/me", authHandler.GetProfile)
			users.POST("/logout", authHandler.Logout)
			users.PUT("/language", authHandler.UpdateLanguagePreference)
		}

		// 服务状态端点无需认证
		apiV1.GET("/chat/status", chatHandler.Status)

		// Chat 路由组，需要认证
		chat := apiV1.Group("/chat")
		chat.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			chat.POST("/message", chatHandler.SendMessage)
			chat.POST("/simple", chatHandler.SendSimple)
			chat.POST("/new-conversation", conversationHandler.NewConversation)
			chat.GET("/conversations", conversationHandler.List)
			chat.GET("/history/:conversationId", conversationHandler.History)
			chat.GET("/history", conversationHandler.RecentHistory)
			chat.GET("/summary", conversationHandler.Summary)
			chat.DELETE("/conversation/:conversationId", conversationHandler.Delete)
			chat.DELETE("/memory", chatHandler.ClearMemory)
			chat.GET("/ws-token", chatHandler.GetWebsocketStopToken)
		}
	}
	// WebSocket 升级端点，token 经路径传入
	r.GET("/chat/stream/:token", chatHandler.Handle)

	// 9. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}
