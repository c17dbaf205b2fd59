package auth

import "vcdb/src/helpers"

type UserFactory interface {
	NewUserStruct(userName, password string, authority Authority) *NewUser
}

type UserFactoryImpl struct {
	defaultAuthority Authority
}

func NewUserFactory() UserFactory {
	return &UserFactoryImpl{
		defaultAuthority: AuthorityMember,
	}
}

func (f *UserFactoryImpl) NewUserStruct(userName string, password string, authority Authority) *NewUser {
	if authority == AuthorityNone {
		authority = f.defaultAuthority
	}
	return &NewUser{
		UserID:    helpers.GenerateUUID(),
		Username:  userName,
		Password:  password,
		Authority: authority,
	}
}
