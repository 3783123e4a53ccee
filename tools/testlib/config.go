// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package testlib

import "github.com/stretchr/testify/mock"

// ConfigMockup mocks the configuration snapshot read by the module registry.
type ConfigMockup struct {
	mock.Mock
}

func (c *ConfigMockup) Bool(key string) (bool, bool, error) {
	ret := c.Called(key)
	return ret.Bool(0), ret.Bool(1), ret.Error(2)
}

func (c *ConfigMockup) Int(key string) (int, bool, error) {
	ret := c.Called(key)
	return ret.Int(0), ret.Bool(1), ret.Error(2)
}

func (c *ConfigMockup) String(key string) (string, bool, error) {
	ret := c.Called(key)
	return ret.String(0), ret.Bool(1), ret.Error(2)
}

func (c *ConfigMockup) ExpectBool(key string) *mock.Call {
	return c.On("Bool", key)
}

func (c *ConfigMockup) ExpectInt(key string) *mock.Call {
	return c.On("Int", key)
}

func (c *ConfigMockup) ExpectString(key string) *mock.Call {
	return c.On("String", key)
}
