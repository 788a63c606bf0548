package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"marhaba-chat-go/internal/model"
	"marhaba-chat-go/internal/prompt"
	"marhaba-chat-go/internal/repository"
	"marhaba-chat-go/pkg/database"
	"marhaba-chat-go/pkg/hash"
	"marhaba-chat-go/pkg/log"
	"marhaba-chat-go/pkg/token"

	"gorm.io/gorm"
)

// UserService 接口定义了所有与用户相关的业务操作。
type UserService interface {
	Signup(email, password, languagePreference string) (*model.User, string, string, error)
	Login(email, password string) (*model.User, string, string, error)
	GetProfile(userID uint) (*model.User, error)
	Logout(tokenString string) error
	IsTokenRevoked(tokenString string) bool
	RefreshToken(refreshTokenString string) (string, string, error)
	UpdateLanguagePreference(userID uint, locale string) (*model.User, error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	jwtManager *token.JWTManager
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager) UserService {
	return &userService{
		userRepo:   userRepo,
		jwtManager: jwtManager,
	}
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Signup 处理用户注册，成功后直接签发 token。
func (s *userService) Signup(email, password, languagePreference string) (*model.User, string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return nil, "", "", errors.New("invalid email format")
	}
	if len(password) < 6 {
		return nil, "", "", errors.New("password must be at least 6 characters long")
	}

	// 检查邮箱是否已被占用
	_, err := s.userRepo.FindByEmail(email)
	if err == nil {
		return nil, "", "", errors.New("email already exists")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", "", err
	}

	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, "", "", err
	}

	newUser := &model.User{
		Email:              email,
		Password:           hashedPassword,
		LanguagePreference: prompt.NormalizeLocale(languagePreference),
	}
	if err := s.userRepo.Create(newUser); err != nil {
		return nil, "", "", err
	}

	accessToken, refreshToken, err := s.issueTokens(newUser)
	if err != nil {
		return nil, "", "", err
	}
	log.Infof("User '%s' registered successfully", newUser.Email)
	return newUser, accessToken, refreshToken, nil
}

// Login 处理用户登录的业务逻辑。
func (s *userService) Login(email, password string) (*model.User, string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.userRepo.FindByEmail(email)
	if err != nil {
		return nil, "", "", errors.New("invalid credentials")
	}
	if !hash.CheckPassword(password, user.Password) {
		return nil, "", "", errors.New("invalid credentials")
	}

	accessToken, refreshToken, err := s.issueTokens(user)
	if err != nil {
		return nil, "", "", err
	}
	return user, accessToken, refreshToken, nil
}

func (s *userService) issueTokens(user *model.User) (string, string, error) {
	accessToken, err := s.jwtManager.GenerateToken(user.ID, user.Email, user.LanguagePreference)
	if err != nil {
		return "", "", err
	}
	refreshToken, err := s.jwtManager.GenerateRefreshToken(user.ID, user.Email, user.LanguagePreference)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

// GetProfile 根据用户 ID 获取完整的用户信息。
func (s *userService) GetProfile(userID uint) (*model.User, error) {
	return s.userRepo.FindByID(userID)
}

// Logout 将 token 加入 Redis 黑名单，黑名单条目随 token 自然过期。
func (s *userService) Logout(tokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		// token 已失效，无需拉黑
		return nil
	}

	expiration := time.Until(claims.ExpiresAt.Time)
	if expiration <= 0 {
		return nil
	}
	return database.RDB.Set(context.Background(), "blacklist:"+tokenString, "true", expiration).Err()
}

// IsTokenRevoked 检查 token 是否已被登出拉黑。
// Redis 查询失败时保守放行并记录告警，避免缓存故障导致全站不可用。
func (s *userService) IsTokenRevoked(tokenString string) bool {
	result, err := database.RDB.Exists(context.Background(), "blacklist:"+tokenString).Result()
	if err != nil {
		log.Warnf("Failed to check token blacklist: %v", err)
		return false
	}
	return result > 0
}

// RefreshToken 校验 refresh token 并签发新的 token 对。
func (s *userService) RefreshToken(refreshTokenString string) (string, string, error) {
	claims, err := s.jwtManager.VerifyToken(refreshTokenString)
	if err != nil {
		return "", "", errors.New("invalid or expired refresh token")
	}

	user, err := s.userRepo.FindByID(claims.UserID)
	if err != nil {
		return "", "", errors.New("user not found")
	}
	return s.issueTokens(user)
}

// UpdateLanguagePreference 更新用户的界面语言偏好。
func (s *userService) UpdateLanguagePreference(userID uint, locale string) (*model.User, error) {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return nil, err
	}
	user.LanguagePreference = prompt.NormalizeLocale(locale)
	if err := s.userRepo.Update(user); err != nil {
		return nil, err
	}
	log.Infof("User '%s' set language preference to '%s'", user.Email, user.LanguagePreference)
	return user, nil
}
